package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
)

type ImageType string

const (
	InputImageType  ImageType = "input"
	TempImageType   ImageType = "temp"
	OutputImageType ImageType = "output"
)

// UploadFileFromReader posts an image to /upload/image and returns the name
// the server stored it under, which may differ from filename.
func (c *ComfyClient) UploadFileFromReader(ctx context.Context, r io.Reader, filename string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	var requestBody bytes.Buffer
	writer := multipart.NewWriter(&requestBody)

	formFile, err := writer.CreateFormFile("image", filepath.Base(filename))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(formFile, r); err != nil {
		return "", err
	}
	_ = writer.WriteField("overwrite", strconv.FormatBool(overwrite))
	_ = writer.WriteField("type", string(filetype))
	if subfolder != "" {
		_ = writer.WriteField("subfolder", subfolder)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/upload/image", &requestBody)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	var data struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return "", err
	}
	if data.Name == "" {
		return "", fmt.Errorf("invalid response format")
	}
	return data.Name, nil
}

// UploadBytes uploads already encoded image data.
func (c *ComfyClient) UploadBytes(ctx context.Context, data []byte, filename string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	return c.UploadFileFromReader(ctx, bytes.NewReader(data), filename, overwrite, filetype, subfolder)
}

// UploadImage encodes img as PNG and uploads it.
func (c *ComfyClient) UploadImage(ctx context.Context, img image.Image, filename string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, img); err != nil {
		return "", err
	}
	return c.UploadFileFromReader(ctx, &buffer, filename, overwrite, filetype, subfolder)
}
