package web

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"nuha.dev/locus/internal/prompt"
	"nuha.dev/locus/internal/util"
)

type AnswerRequest struct {
	Accept       bool     `json:"accept"`
	Granted      []string `json:"granted" validate:"dive,oneof=location location.background"`
	DontAskAgain bool     `json:"dont_ask_again"`
}

func (api *Api) listPrompts(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, api.deps.Prompts.Pending())
}

func (api *Api) answerPrompt(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := util.JsonRead(r, &req); err != nil {
		util.JsonError(w, http.StatusBadRequest, err)
		return
	}
	if err := api.vld.Struct(&req); err != nil {
		util.JsonError(w, http.StatusBadRequest, err)
		return
	}
	id := chi.URLParam(r, "id")
	err := api.deps.Prompts.Answer(id, prompt.Answer{Accept: req.Accept, Granted: req.Granted, DontAskAgain: req.DontAskAgain})
	if errors.Is(err, prompt.ErrUnknownPrompt) {
		util.JsonError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *Api) listNotifications(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, api.deps.Notifier.List())
}

func (api *Api) tapNotification(w http.ResponseWriter, r *http.Request) {
	if err := api.deps.Notifier.Tap(chi.URLParam(r, "id")); err != nil {
		util.JsonError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
