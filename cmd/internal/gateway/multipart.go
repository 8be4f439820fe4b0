package gateway

import (
	"bytes"
	"fmt"
	"mime/multipart"
)

// FormFile is one file part of a MultipartForm.
type FormFile struct {
	Field    string
	FileName string
	Data     []byte
}

// MultipartForm is a request body encoded as multipart/form-data.
// The gateway sets the boundary-bearing content type itself.
type MultipartForm struct {
	Fields map[string]string
	Files  []FormFile
}

func (f *MultipartForm) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range f.Fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %q: %w", k, err)
		}
	}
	for _, file := range f.Files {
		part, err := w.CreateFormFile(file.Field, file.FileName)
		if err != nil {
			return nil, "", fmt.Errorf("create file part %q: %w", file.Field, err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, "", fmt.Errorf("write file part %q: %w", file.Field, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
