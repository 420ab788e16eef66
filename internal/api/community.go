package api

import (
	"net/http"
	"strings"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

const (
	maxTitleLen = 200
	maxBodyLen  = 10000
)

type CommunityHandler struct {
	store store.Store
}

func NewCommunityHandler(s store.Store) *CommunityHandler {
	return &CommunityHandler{store: s}
}

type CreateQuestionRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Crop  string `json:"crop,omitempty"`
}

// ListQuestions handles GET /api/v1/community/questions?crop=&mine=true
func (h *CommunityHandler) ListQuestions(w http.ResponseWriter, r *http.Request) {
	filter := store.QuestionFilter{
		Crop:  r.URL.Query().Get("crop"),
		Limit: queryInt(r, "limit", 50),
	}
	if r.URL.Query().Get("mine") == "true" {
		filter.AuthorID = &currentUser(r).ID
	}
	qs, err := h.store.ListQuestions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(qs))
}

// CreateQuestion handles POST /api/v1/community/questions
func (h *CommunityHandler) CreateQuestion(w http.ResponseWriter, r *http.Request) {
	var req CreateQuestionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Body = strings.TrimSpace(req.Body)
	if req.Title == "" || req.Body == "" {
		badRequest(w, "title and body required")
		return
	}
	if len(req.Title) > maxTitleLen || len(req.Body) > maxBodyLen {
		badRequest(w, "title or body too long")
		return
	}
	q := &store.Question{
		AuthorID: currentUser(r).ID,
		Title:    req.Title,
		Body:     req.Body,
		Crop:     strings.TrimSpace(req.Crop),
	}
	if err := h.store.CreateQuestion(r.Context(), q); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

// GetQuestion handles GET /api/v1/community/questions/{id}
func (h *CommunityHandler) GetQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	q, err := h.store.GetQuestion(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if q == nil {
		writeError(w, store.ErrNotFound)
		return
	}
	q.Answers = emptyIfNil(q.Answers)
	writeJSON(w, http.StatusOK, q)
}

type CreateAnswerRequest struct {
	Body string `json:"body"`
}

// CreateAnswer handles POST /api/v1/community/questions/{id}/answers
func (h *CommunityHandler) CreateAnswer(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req CreateAnswerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Body = strings.TrimSpace(req.Body)
	if req.Body == "" {
		badRequest(w, "body required")
		return
	}
	if len(req.Body) > maxBodyLen {
		badRequest(w, "body too long")
		return
	}
	a := &store.Answer{QuestionID: id, AuthorID: currentUser(r).ID, Body: req.Body}
	if err := h.store.CreateAnswer(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// Accept handles POST /api/v1/community/answers/{id}/accept. Only the
// question's author may accept an answer.
func (h *CommunityHandler) Accept(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	a, err := h.store.AcceptAnswer(r.Context(), id, currentUser(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Upvote handles POST /api/v1/community/answers/{id}/upvote
func (h *CommunityHandler) Upvote(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	a, err := h.store.UpvoteAnswer(r.Context(), id, currentUser(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
