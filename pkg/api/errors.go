package api

import (
	"errors"

	"github.com/valyala/fasthttp"

	"threadline/pkg/auth"
	"threadline/pkg/history"
	"threadline/pkg/ingest"
	"threadline/pkg/router"
	"threadline/pkg/state/logger"
	"threadline/pkg/store"
	"threadline/pkg/turns"
	"threadline/pkg/whiteboard"
)

type conflictBody struct {
	Error           string `json:"error"`
	Conflict        bool   `json:"conflict"`
	CurrentContent  string `json:"current_content"`
	CurrentRevision uint64 `json:"current_revision"`
}

type rejectionBody struct {
	Error  string       `json:"error"`
	Reason turns.Reason `json:"reason"`
}

// writeError maps domain errors onto HTTP responses.
func writeError(ctx *fasthttp.RequestCtx, err error) {
	var ce *whiteboard.ConflictError
	if errors.As(err, &ce) {
		router.WriteJSON(ctx, fasthttp.StatusConflict, conflictBody{
			Error: ce.Error(), Conflict: true, CurrentContent: ce.ServerContent, CurrentRevision: ce.ServerRevision,
		})
		return
	}
	if re, ok := turns.AsRejection(err); ok {
		router.WriteJSON(ctx, fasthttp.StatusConflict, rejectionBody{Error: re.Error(), Reason: re.Reason})
		return
	}
	router.WriteJSONError(ctx, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, history.ErrCursorNotFound),
		errors.Is(err, whiteboard.ErrSessionNotFound):
		return fasthttp.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, store.ErrInvalidID),
		errors.Is(err, auth.ErrAuthorRequired),
		errors.Is(err, auth.ErrAuthorTooLong):
		return fasthttp.StatusBadRequest
	case errors.Is(err, whiteboard.ErrTooLarge):
		return fasthttp.StatusRequestEntityTooLarge
	case errors.Is(err, auth.ErrForbidden),
		errors.Is(err, whiteboard.ErrSessionOwner):
		return fasthttp.StatusForbidden
	case errors.Is(err, whiteboard.ErrEditSessionOpen),
		errors.Is(err, whiteboard.ErrAgentResponding),
		errors.Is(err, store.ErrRevisionConflict):
		return fasthttp.StatusConflict
	case errors.Is(err, ingest.ErrQueueFull),
		errors.Is(err, ingest.ErrQueueClosed),
		errors.Is(err, store.ErrClosed):
		return fasthttp.StatusServiceUnavailable
	}
	logger.Error("request_failed", "error", err)
	return fasthttp.StatusInternalServerError
}
