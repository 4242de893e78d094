// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/efchatnet/efdm/backend/chat"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/realtime"
)

type DMHandler struct {
	engine *chat.Engine
	hub    *realtime.Hub
	log    *logrus.Entry
}

func NewDMHandler(engine *chat.Engine, hub *realtime.Hub, logger *logrus.Logger) *DMHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DMHandler{
		engine: engine,
		hub:    hub,
		log:    logger.WithField("component", "dm_handler"),
	}
}

// RegisterRoutes mounts the DM endpoints on r. Requests must already carry
// a verified user id (see middleware.NewAuthMiddleware).
func (h *DMHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/conversations/{peerId}", h.GetConversation).Methods("GET", "OPTIONS")
	r.HandleFunc("/conversations/{peerId}", h.DeleteConversation).Methods("DELETE", "OPTIONS")
	r.HandleFunc("/conversations/{peerId}/read", h.MarkRead).Methods("POST", "OPTIONS")
	r.HandleFunc("/unread", h.GetUnreadCounts).Methods("GET", "OPTIONS")
}

type conversationResponse struct {
	Messages       []models.Message `json:"messages"`
	HasMore        bool             `json:"has_more"`
	LastReadID     int64            `json:"last_read_message_id"`
	PeerLastReadID int64            `json:"peer_last_read_message_id"`
}

// GetConversation returns the newest page of the conversation with peerId,
// or the page older than ?before=<messageId>.
func (h *DMHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, peerID, ok := h.participants(w, r)
	if !ok {
		return
	}

	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, chat.ErrValidation)
			return
		}
		before = parsed
	}

	page, err := h.engine.Fetch(r.Context(), userID, peerID, before)
	if err != nil {
		writeError(w, err)
		return
	}
	if page.ReadAdvanced && h.hub != nil {
		h.hub.DeliverToUser(peerID, realtime.ReadReceiptPayload(userID, page.LastReadID))
	}

	messages := page.Messages
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, conversationResponse{
		Messages:       messages,
		HasMore:        page.HasMore,
		LastReadID:     page.LastReadID,
		PeerLastReadID: page.PeerLastReadID,
	})
}

// MarkRead advances the caller's read mark and tells the peer's sessions.
func (h *DMHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, peerID, ok := h.participants(w, r)
	if !ok {
		return
	}

	var req struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chat.ErrValidation)
		return
	}

	merged, err := h.engine.MarkRead(r.Context(), userID, peerID, req.MessageID)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.hub != nil {
		h.hub.DeliverToUser(peerID, realtime.ReadReceiptPayload(userID, merged))
	}

	writeJSON(w, http.StatusOK, map[string]int64{"last_read_message_id": merged})
}

// GetUnreadCounts returns unread message counts keyed by peer id.
func (h *DMHandler) GetUnreadCounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, chat.ErrUnauthorized)
		return
	}

	counts, err := h.engine.UnreadCounts(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counts": counts,
		"total":  total,
	})
}

// DeleteConversation wipes the whole history with peerId for both users.
func (h *DMHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, peerID, ok := h.participants(w, r)
	if !ok {
		return
	}

	if err := h.engine.WipeConversation(r.Context(), userID, peerID); err != nil {
		writeError(w, err)
		return
	}
	h.log.WithFields(logrus.Fields{"user_id": userID, "peer_id": peerID}).Info("conversation deleted")

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *DMHandler) participants(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeError(w, chat.ErrUnauthorized)
		return 0, 0, false
	}
	peerID, err := strconv.ParseInt(mux.Vars(r)["peerId"], 10, 64)
	if err != nil || peerID <= 0 {
		writeError(w, chat.ErrValidation)
		return 0, 0, false
	}
	return userID, peerID, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, chat.HTTPStatus(err), map[string]string{
		"error": chat.Message(err),
		"code":  chat.Code(err),
	})
}
