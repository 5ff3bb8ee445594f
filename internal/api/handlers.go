package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/creditcanvas/internal/service"
)

type generateRequest struct {
	Prompt      string   `json:"prompt"`
	ModelID     string   `json:"modelId"`
	AspectRatio string   `json:"aspectRatio"`
	Tags        []string `json:"tags"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	res, err := s.deps.Generator.Generate(r.Context(), service.GenerationRequest{
		UserID:      principal(r).UserID,
		Prompt:      req.Prompt,
		ModelID:     req.ModelID,
		AspectRatio: req.AspectRatio,
		Tags:        req.Tags,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleEdit takes a multipart form: prompt, modelId, aspectRatio, strength,
// sourceArtifactId and the source file under "image".
func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		badRequest(w, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		badRequest(w, "image file is required")
		return
	}
	defer file.Close()
	source, err := io.ReadAll(file)
	if err != nil {
		badRequest(w, "read image")
		return
	}

	var strength float64
	if raw := strings.TrimSpace(r.FormValue("strength")); raw != "" {
		strength, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			badRequest(w, "strength must be a number")
			return
		}
	}

	var tags []string
	if raw := strings.TrimSpace(r.FormValue("tags")); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	res, err := s.deps.Generator.Edit(r.Context(), service.EditRequest{
		GenerationRequest: service.GenerationRequest{
			UserID:      principal(r).UserID,
			Prompt:      r.FormValue("prompt"),
			ModelID:     r.FormValue("modelId"),
			AspectRatio: r.FormValue("aspectRatio"),
			Tags:        tags,
		},
		Source:           source,
		Strength:         strength,
		SourceArtifactID: strings.TrimSpace(r.FormValue("sourceArtifactId")),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type modelView struct {
	ID       string   `json:"id"`
	Provider string   `json:"provider"`
	Credits  int      `json:"credits"`
	Tier     string   `json:"tier,omitempty"`
	Ratios   []string `json:"ratios"`
	Editable bool     `json:"editable"`
	Active   bool     `json:"active"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	caps := s.deps.Generator.Models()
	out := make([]modelView, 0, len(caps))
	for _, c := range caps {
		out = append(out, modelView{
			ID:       c.ID,
			Provider: string(c.Provider),
			Credits:  c.Credits,
			Tier:     c.Tier,
			Ratios:   c.Ratios,
			Editable: c.Editable(),
			Active:   c.Active,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	view, err := s.deps.Accounts.View(r.Context(), p.UserID, p.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.deps.Artifacts.List(r.Context(), principal(r).UserID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Artifacts.Delete(r.Context(), principal(r).UserID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkoutRequest struct {
	PackageID int64 `json:"packageId"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PackageID <= 0 {
		badRequest(w, "packageId is required")
		return
	}
	p := principal(r)
	sess, err := s.deps.Packages.Checkout(r.Context(), p.UserID, p.Email, req.PackageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sess.ID, "url": sess.URL})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Billing.Cancel(r.Context(), principal(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStripeWebhook answers the processor only. Failures carry the kind
// and nothing else.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	if err := s.deps.Billing.IngestEvent(r.Context(), body, r.Header.Get("Stripe-Signature")); err != nil {
		var se *service.Error
		if errors.As(err, &se) {
			writeJSON(w, statusFor(se.Kind), errorBody{Error: string(se.Kind)})
			return
		}
		s.log.Error("stripe webhook", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal-error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		badRequest(w, "user id required")
		return
	}
	res, err := s.deps.Billing.Repair(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	packages, err := s.deps.Packages.List(r.Context(), activeOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, packages)
}

func (s *Server) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	var req service.CreatePackageInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	pkg, err := s.deps.Packages.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pkg)
}

func (s *Server) handleUpdatePackage(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	var req service.UpdatePackageInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	pkg, err := s.deps.Packages.Update(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleDeletePackage(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	if err := s.deps.Packages.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
