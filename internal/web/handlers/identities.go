package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/gallery"
)

// IdentitiesHandler handles enrollment endpoints.
type IdentitiesHandler struct {
	store    *gallery.Store
	enroller *gallery.Enroller
	reader   database.IdentityReader
}

// NewIdentitiesHandler creates a new identities handler.
func NewIdentitiesHandler(store *gallery.Store, enroller *gallery.Enroller, reader database.IdentityReader) *IdentitiesHandler {
	return &IdentitiesHandler{
		store:    store,
		enroller: enroller,
		reader:   reader,
	}
}

// IdentityResponse represents an identity in API responses. Descriptors are
// only included when requested.
type IdentityResponse struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Active      bool              `json:"active"`
	Descriptors int               `json:"descriptor_count"`
	Dimension   int               `json:"dimension"`
	Vectors     [][]float32       `json:"descriptors,omitempty"`
	CreatedAt   string            `json:"created_at,omitempty"`
	UpdatedAt   string            `json:"updated_at,omitempty"`
}

func identityToResponse(i database.Identity, withVectors bool) IdentityResponse {
	resp := IdentityResponse{
		ID:          i.ID,
		DisplayName: i.DisplayName,
		Metadata:    i.Metadata,
		Active:      i.Active,
		Descriptors: len(i.Descriptors),
		Dimension:   i.Dim(),
	}
	if withVectors {
		resp.Vectors = i.Descriptors
	}
	if !i.CreatedAt.IsZero() {
		resp.CreatedAt = i.CreatedAt.Format(time.RFC3339)
	}
	if !i.UpdatedAt.IsZero() {
		resp.UpdatedAt = i.UpdatedAt.Format(time.RFC3339)
	}
	return resp
}

// List returns enrolled identities. By default only the in-memory gallery is listed;
// all=true reads inactive identities from the database too. q filters by name.
func (h *IdentitiesHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	all := r.URL.Query().Get("all") == "true"

	var identities []database.Identity
	if all && h.reader != nil {
		var err error
		identities, err = h.reader.List(r.Context())
		if err != nil {
			respondServiceError(w, err, "failed to list identities")
			return
		}
	} else {
		identities = h.store.Identities()
	}

	response := make([]IdentityResponse, 0, len(identities))
	for _, i := range identities {
		if !facematch.NameMatches(i.DisplayName, query) {
			continue
		}
		response = append(response, identityToResponse(i, false))
	}
	respondJSON(w, http.StatusOK, response)
}

// Get returns a single identity with its descriptors.
func (h *IdentitiesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if h.reader != nil {
		identity, err := h.reader.Get(r.Context(), id)
		if err != nil {
			respondServiceError(w, err, "failed to get identity")
			return
		}
		if identity == nil {
			respondError(w, http.StatusNotFound, "identity not found")
			return
		}
		respondJSON(w, http.StatusOK, identityToResponse(*identity, true))
		return
	}

	identity, ok := h.store.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	respondJSON(w, http.StatusOK, identityToResponse(identity, true))
}

// EnrollRequest is the body of the enroll endpoint.
type EnrollRequest struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Descriptors [][]float32       `json:"descriptors"`
	Metadata    map[string]string `json:"metadata"`
	Active      *bool             `json:"active"`
}

// EnrollResponse is returned after a successful enrollment.
type EnrollResponse struct {
	Identity           IdentityResponse   `json:"identity"`
	PossibleDuplicates []gallery.Neighbor `json:"possible_duplicates,omitempty"`
}

// Create enrolls (or replaces) an identity.
func (h *IdentitiesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.DisplayName == "" {
		respondError(w, http.StatusBadRequest, "display_name is required")
		return
	}
	if len(req.Descriptors) == 0 {
		respondError(w, http.StatusBadRequest, "at least one descriptor is required")
		return
	}
	if len(req.Descriptors) > constants.MaxDescriptorsPerIdentity {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("too many descriptors (max %d)", constants.MaxDescriptorsPerIdentity))
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	result, err := h.enroller.Enroll(r.Context(), database.Identity{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		Descriptors: req.Descriptors,
		Metadata:    req.Metadata,
		Active:      active,
	})
	if err != nil {
		respondServiceError(w, err, "failed to enroll identity")
		return
	}

	respondJSON(w, http.StatusCreated, EnrollResponse{
		Identity:           identityToResponse(result.Identity, false),
		PossibleDuplicates: result.PossibleDuplicates,
	})
}

// Delete removes an identity from the gallery and the database.
func (h *IdentitiesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.enroller.Remove(r.Context(), id); err != nil {
		respondServiceError(w, err, "failed to delete identity")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DescriptorRequest carries one descriptor to append.
type DescriptorRequest struct {
	Descriptor []float32 `json:"descriptor"`
}

// AddDescriptor appends a reference descriptor to an identity.
func (h *IdentitiesHandler) AddDescriptor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req DescriptorRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	if err := h.enroller.AddDescriptor(r.Context(), id, req.Descriptor); err != nil {
		respondServiceError(w, err, "failed to add descriptor")
		return
	}
	h.respondCurrent(w, id)
}

// DescriptorsRequest carries a full replacement descriptor set.
type DescriptorsRequest struct {
	Descriptors [][]float32 `json:"descriptors"`
}

// ReplaceDescriptors swaps all reference descriptors of an identity.
func (h *IdentitiesHandler) ReplaceDescriptors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req DescriptorsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.Descriptors) > constants.MaxDescriptorsPerIdentity {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("too many descriptors (max %d)", constants.MaxDescriptorsPerIdentity))
		return
	}

	if err := h.enroller.ReplaceDescriptors(r.Context(), id, req.Descriptors); err != nil {
		respondServiceError(w, err, "failed to replace descriptors")
		return
	}
	h.respondCurrent(w, id)
}

// ActiveRequest toggles matching for an identity.
type ActiveRequest struct {
	Active bool `json:"active"`
}

// SetActive enables or disables an identity.
func (h *IdentitiesHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	if err := h.enroller.SetActive(r.Context(), id, req.Active); err != nil {
		respondServiceError(w, err, "failed to update identity")
		return
	}
	h.respondCurrent(w, id)
}

func (h *IdentitiesHandler) respondCurrent(w http.ResponseWriter, id string) {
	identity, ok := h.store.Get(id)
	if !ok {
		respondJSON(w, http.StatusOK, IdentityResponse{ID: id})
		return
	}
	respondJSON(w, http.StatusOK, identityToResponse(identity, false))
}

// Refresh reloads the gallery from the identity directory.
func (h *IdentitiesHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Refresh(r.Context()); err != nil {
		respondServiceError(w, err, "failed to refresh gallery")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{
		"identities": h.store.Len(),
		"active":     h.store.ActiveCount(),
		"dimension":  h.store.Dim(),
	})
}
