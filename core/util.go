package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
)

// NewID returns a fresh item identifier.
func NewID() string {
	return uuid.New().String()
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "write json error: %v", err)
	}
}

// UnitFailureWarning is the warning attached to an item when a stage
// completes with some units failed.
func UnitFailureWarning(stage string, failed, total int) string {
	return fmt.Sprintf("%s: %d/%d units failed", stage, failed, total)
}

// FormatTime renders seconds as mm:ss for log output.
func FormatTime(seconds float64) string {
	minutes := int(seconds) / 60
	secs := int(seconds) % 60
	return fmt.Sprintf("%02d:%02d", minutes, secs)
}
