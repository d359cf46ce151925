package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/session"
)

// IdentifyHandler answers one-off identification queries outside any session.
type IdentifyHandler struct {
	matcher   *facematch.Matcher
	store     *gallery.Store
	extractor session.Extractor
	threshold float64
}

// NewIdentifyHandler creates an identify handler. extractor may be nil, in which
// case only descriptor probes are accepted.
func NewIdentifyHandler(matcher *facematch.Matcher, store *gallery.Store, extractor session.Extractor, threshold float64) *IdentifyHandler {
	return &IdentifyHandler{
		matcher:   matcher,
		store:     store,
		extractor: extractor,
		threshold: threshold,
	}
}

// IdentifyRequest is the JSON body of the identify endpoint.
type IdentifyRequest struct {
	Descriptor []float32 `json:"descriptor"`
	Threshold  float64   `json:"threshold"`
	Candidates int       `json:"candidates"` // nearest identities to include, 0 for none
}

// CandidateResponse is a ranked identity.
type CandidateResponse struct {
	IdentityID  string  `json:"identity_id"`
	DisplayName string  `json:"display_name"`
	Distance    float64 `json:"distance"`
	Confidence  float64 `json:"confidence"`
}

// IdentifyResponse is the result of one identification.
type IdentifyResponse struct {
	facematch.MatchResult
	DisplayName string              `json:"display_name,omitempty"`
	FaceFound   bool                `json:"face_found"`
	Candidates  []CandidateResponse `json:"candidates,omitempty"`
}

// Identify matches a probe. A JSON body carries a descriptor; any other content
// type is treated as an image frame and sent through the extractor.
func (h *IdentifyHandler) Identify(w http.ResponseWriter, r *http.Request) {
	var req IdentifyRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, errInvalidRequestBody)
			return
		}
	} else {
		probe, ok := h.extractFrame(r.Context(), w, r.Body)
		if !ok {
			return
		}
		if probe == nil {
			respondJSON(w, http.StatusOK, IdentifyResponse{})
			return
		}
		req.Descriptor = probe
		req.Threshold = queryFloat(r, "threshold")
		req.Candidates = queryInt(r, "candidates")
	}

	if req.Threshold <= 0 {
		req.Threshold = h.threshold
	}

	result, err := h.matcher.Identify(req.Descriptor, req.Threshold)
	if err != nil {
		respondServiceError(w, err, "failed to identify probe")
		return
	}

	resp := IdentifyResponse{MatchResult: result, FaceFound: true}
	if result.Matched {
		resp.DisplayName = h.displayName(result.IdentityID)
	}

	if req.Candidates > 0 {
		candidates, err := h.matcher.Nearest(req.Descriptor, req.Candidates)
		if err != nil {
			respondServiceError(w, err, "failed to rank candidates")
			return
		}
		resp.Candidates = make([]CandidateResponse, len(candidates))
		for i, c := range candidates {
			resp.Candidates[i] = CandidateResponse{
				IdentityID:  c.IdentityID,
				DisplayName: h.displayName(c.IdentityID),
				Distance:    c.Distance,
				Confidence:  facematch.Confidence(c.Distance),
			}
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// extractFrame reads a frame body and returns its descriptor, nil when no face is found.
func (h *IdentifyHandler) extractFrame(ctx context.Context, w http.ResponseWriter, body io.Reader) ([]float32, bool) {
	if h.extractor == nil {
		respondServiceError(w, session.ErrNoExtractor, "")
		return nil, false
	}
	frame, err := io.ReadAll(io.LimitReader(body, constants.MaxFrameBytes))
	if err != nil || len(frame) == 0 {
		respondError(w, http.StatusBadRequest, "missing frame")
		return nil, false
	}
	probe, err := h.extractor.Extract(ctx, frame)
	if err != nil {
		respondServiceError(w, err, "failed to extract descriptor")
		return nil, false
	}
	return probe, true
}

func (h *IdentifyHandler) displayName(id string) string {
	if identity, ok := h.store.Get(id); ok {
		return identity.DisplayName
	}
	return ""
}
