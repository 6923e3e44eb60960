package api

import (
	"fmt"
	"strings"

	"github.com/tourline/migration-guard/internal/models"
	"github.com/tourline/migration-guard/internal/utils"
)

// conversionRequest is the ingest payload for one tracking attempt.
type conversionRequest struct {
	SessionID     string  `json:"session_id"`
	EventName     string  `json:"event_name"`
	Value         float64 `json:"value"`
	Currency      string  `json:"currency"`
	TransactionID string  `json:"transaction_id"`
	Success       *bool   `json:"success"`
	Timestamp     string  `json:"timestamp"`
}

// toConversionData maps the request into domain conversion data.
func (r conversionRequest) toConversionData() (models.ConversionData, error) {
	if strings.TrimSpace(r.EventName) == "" {
		return models.ConversionData{}, fmt.Errorf("event_name required")
	}
	data := models.ConversionData{
		EventName:     r.EventName,
		Value:         r.Value,
		Currency:      strings.ToUpper(strings.TrimSpace(r.Currency)),
		TransactionID: r.TransactionID,
		Success:       r.Success,
	}
	if r.Timestamp != "" {
		ts, err := utils.ParseRFC3339(r.Timestamp)
		if err != nil {
			return models.ConversionData{}, fmt.Errorf("timestamp must be RFC3339")
		}
		data.Timestamp = ts.UTC()
	}
	return data, nil
}

type flagUpdateRequest struct {
	Value *models.FlagValue `json:"value"`
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}
