package api

import "github.com/kirie0319/menu-sense-backend-sub001/pkg/models"

// CreateSessionResponse is returned by POST /v1/sessions.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// CancelSessionResponse is returned by DELETE /v1/sessions/{id}.
type CancelSessionResponse struct {
	SessionID string `json:"session_id"`
}

// sessionSnapshot builds the §6 GET /v1/sessions/{id} response body.
func sessionSnapshot(sess *models.Session, items []models.Item) models.SessionSnapshot {
	views := make([]models.ItemView, 0, len(items))
	for _, it := range items {
		views = append(views, it.View())
	}
	totalItems := 0
	if sess.TotalItems != nil {
		totalItems = *sess.TotalItems
	}
	return models.SessionSnapshot{
		SessionID:  sess.ID,
		Status:     sess.Status,
		TotalItems: totalItems,
		Items:      views,
		LastSeq:    sess.LastSeq,
	}
}
