package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/user/groupstream/internal/gateway"
	"github.com/user/groupstream/internal/stream"
	"github.com/user/groupstream/internal/types"
)

func (s *Server) createRun(w http.ResponseWriter, r *http.Request, in gateway.CreateRunInput) {
	in.UserID = userFrom(r.Context())
	res, err := s.gw.CreateRun(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// POST /api/v1/runs
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var in gateway.CreateRunInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	s.createRun(w, r, in)
}

// POST /api/v1/sessions/{sessionId}/messages/run
func (s *Server) handleCreateSessionRun(w http.ResponseWriter, r *http.Request) {
	var in gateway.CreateRunInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	in.SessionID = types.SessionID(chi.URLParam(r, "sessionId"))
	s.createRun(w, r, in)
}

// POST /api/v1/groups/{groupId}/messages/run
func (s *Server) handleCreateGroupRun(w http.ResponseWriter, r *http.Request) {
	var in gateway.CreateRunInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	in.GroupID = types.GroupID(chi.URLParam(r, "groupId"))
	s.createRun(w, r, in)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	meta, err := s.gw.GetRun(r.Context(), userFrom(r.Context()), types.RunID(chi.URLParam(r, "runId")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.gw.CancelRun(r.Context(), userFrom(r.Context()), types.RunID(chi.URLParam(r, "runId")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	id := types.RunID(chi.URLParam(r, "runId"))
	if _, err := s.gw.AuthorizeRun(r.Context(), userFrom(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	after, err := stream.Watermark(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.runs.Serve(w, r, id, after); err != nil {
		writeError(w, r, err)
	}
}

// GET /api/v1/groups/{groupId}/messages?afterSeq=&beforeSeq=&limit=
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := gateway.ListMessagesInput{
		UserID:  userFrom(r.Context()),
		GroupID: types.GroupID(chi.URLParam(r, "groupId")),
	}
	var err error
	if in.AfterSeq, err = queryInt(q.Get("afterSeq"), "afterSeq"); err != nil {
		writeError(w, r, err)
		return
	}
	if in.BeforeSeq, err = queryInt(q.Get("beforeSeq"), "beforeSeq"); err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	in.Limit = int(limit)

	msgs, err := s.gw.ListMessages(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendMessageRequest struct {
	Content           string          `json:"content"`
	ReplyToMessageID  types.MessageID `json:"replyToMessageId,omitempty"`
	ResendOfMessageID types.MessageID `json:"resendOfMessageId,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	msg, err := s.gw.SendMessage(r.Context(), gateway.SendMessageInput{
		UserID:            userFrom(r.Context()),
		GroupID:           types.GroupID(chi.URLParam(r, "groupId")),
		Content:           req.Content,
		ReplyToMessageID:  req.ReplyToMessageID,
		ResendOfMessageID: req.ResendOfMessageID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.gw.DeleteMessage(r.Context(),
		userFrom(r.Context()),
		types.GroupID(chi.URLParam(r, "groupId")),
		types.MessageID(chi.URLParam(r, "messageId")),
	)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleGroupStream(w http.ResponseWriter, r *http.Request) {
	group := types.GroupID(chi.URLParam(r, "groupId"))
	if err := s.gw.AuthorizeGroup(r.Context(), userFrom(r.Context()), group); err != nil {
		writeError(w, r, err)
		return
	}
	after, err := stream.Watermark(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.groups.Serve(w, r, group, after); err != nil {
		writeError(w, r, err)
	}
}

func queryInt(raw, name string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, types.Invalid("%s must be a non-negative integer", name)
	}
	return n, nil
}
