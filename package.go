// Maskstudio is a Go client for an image-generation studio. It edits
// inpainting and outpainting masks, submits generation requests to an external
// backend or to a ComfyUI server, and keeps a small local history of results.
// All inference happens in the external service; this module only prepares
// inputs, tracks job progress and stores outputs.
package maskstudio
