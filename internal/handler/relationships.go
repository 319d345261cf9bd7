package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrCobi/periodico-messaging/internal/middleware"
	"github.com/MrCobi/periodico-messaging/internal/model"
	"github.com/MrCobi/periodico-messaging/pkg/logger"
)

// RelationshipStore is the follow-edge surface consumed by the handler.
type RelationshipStore interface {
	Follow(ctx context.Context, followerID, followingID string) error
	Unfollow(ctx context.Context, followerID, followingID string) error
	IsFollowing(ctx context.Context, followerID, followingID string) (bool, error)
	IsMutualFollow(ctx context.Context, userA, userB string) (bool, error)
}

// RelationshipHandler handles follow/unfollow and the mutual-follow check
// that gates messaging.
type RelationshipHandler struct {
	relations RelationshipStore
	logger    *logger.Logger
}

// NewRelationshipHandler creates a new relationship handler.
func NewRelationshipHandler(relations RelationshipStore, log *logger.Logger) *RelationshipHandler {
	return &RelationshipHandler{
		relations: relations,
		logger:    log,
	}
}

// Check handles GET /api/v1/relationships/check?targetUserId=
func (h *RelationshipHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	targetID := r.URL.Query().Get("targetUserId")

	if err := middleware.ValidateUserID(targetID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	following, err := h.relations.IsFollowing(ctx, userID, targetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check relationship")
		return
	}
	mutual, err := h.relations.IsMutualFollow(ctx, userID, targetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check relationship")
		return
	}

	writeJSON(w, http.StatusOK, model.FollowStatusResponse{
		IsFollowing:    following,
		IsMutualFollow: mutual,
	})
}

// Create handles POST /api/v1/relationships
func (h *RelationshipHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.FollowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateUserID(req.FollowingID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FollowingID == userID {
		writeError(w, http.StatusBadRequest, "cannot follow yourself")
		return
	}

	if err := h.relations.Follow(ctx, userID, req.FollowingID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create follow")
		return
	}

	writeJSON(w, http.StatusCreated, model.FollowStatusResponse{IsFollowing: true})
}

// Delete handles DELETE /api/v1/relationships/{userId}
func (h *RelationshipHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	targetID := chi.URLParam(r, "userId")

	if err := middleware.ValidateUserID(targetID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.relations.Unfollow(ctx, userID, targetID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete follow")
		return
	}

	writeJSON(w, http.StatusOK, model.FollowStatusResponse{IsFollowing: false})
}
