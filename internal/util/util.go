package util

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func JsonWrite(w http.ResponseWriter, v interface{}) error {
	return JsonWriteStatus(w, http.StatusOK, v)
}

func JsonWriteStatus(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func JsonError(w http.ResponseWriter, status int, err error) {
	JsonWriteStatus(w, status, ErrorResponse{Error: err.Error()})
}

// JsonRead decodes the request body into v. An empty body leaves v untouched.
func JsonRead(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
