package server

import (
	"encoding/json"
	"net/http"
)

func createResponse(success bool, data interface{}, errorMsg string) ResponseModel {
	return ResponseModel{
		Success: success,
		Data:    data,
		Error:   errorMsg,
	}
}

// SendResponse writes a JSON ResponseModel with status 200.
func SendResponse(w http.ResponseWriter, success bool, data interface{}, errorMsg string) {
	SendResponseWithStatus(w, http.StatusOK, success, data, errorMsg)
}

func SendResponseWithStatus(w http.ResponseWriter, statusCode int, success bool, data interface{}, errorMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(createResponse(success, data, errorMsg)); err != nil {
		http.Error(w, `{"success":false,"error":"Internal Server Error"}`, http.StatusInternalServerError)
	}
}
