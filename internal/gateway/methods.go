package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/attache/pkg/protocol"
)

// dispatch routes one WS request frame to its method handler.
func (s *Server) dispatch(ctx context.Context, req protocol.RequestFrame) *protocol.ResponseFrame {
	switch req.Method {
	case protocol.MethodHealth:
		return protocol.NewResponse(req.ID, s.healthPayload())

	case protocol.MethodSessionsList:
		metas, err := s.deps.Sessions.List()
		if err != nil {
			return protocol.NewErrorResponse(req.ID, err.Error())
		}
		return protocol.NewResponse(req.ID, map[string]any{"sessions": metas})

	case protocol.MethodSessionsRead:
		var params struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" {
			return protocol.NewErrorResponse(req.ID, "sessions.read requires a key param")
		}
		turns, err := s.deps.Sessions.Read(params.Key)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, err.Error())
		}
		return protocol.NewResponse(req.ID, map[string]any{"key": params.Key, "turns": turns})

	case protocol.MethodRestart:
		var params struct {
			Reason string `json:"reason"`
		}
		if len(req.Params) > 0 {
			json.Unmarshal(req.Params, &params) //nolint:errcheck
		}
		if params.Reason == "" {
			params.Reason = "management api request"
		}
		if s.deps.Restart == nil {
			return protocol.NewErrorResponse(req.ID, "restart is not configured")
		}
		// Respond first, then restart; the client would otherwise never
		// see the acknowledgement.
		go s.deps.Restart(params.Reason) //nolint:errcheck
		return protocol.NewResponse(req.ID, map[string]any{"restarting": true})

	default:
		return protocol.NewErrorResponse(req.ID, fmt.Sprintf("Unknown method: %s", req.Method))
	}
}
