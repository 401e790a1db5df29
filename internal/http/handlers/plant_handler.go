// Plant HTTP handlers.
//
// This file exposes REST endpoints for the plant catalog:
//   - POST   /plants                  (create)
//   - GET    /plants                  (list active plants)
//   - GET    /plants/{id}             (fetch one)
//   - PATCH  /plants/{id}             (partial update)
//   - DELETE /plants/{id}             (archive, soft)
//   - GET    /plants/{id}/care-plan   (latest generated care plan)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate service errors into HTTP results.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-plant-backend/internal/domain"
	"github.com/tbourn/go-plant-backend/internal/repo"
	"github.com/tbourn/go-plant-backend/internal/services"
)

// CreatePlantRequest is the JSON payload for registering a plant.
type CreatePlantRequest struct {
	// CommonName is the display name; required.
	CommonName     string  `json:"common_name" binding:"required,min=1,max=255" example:"Pothos"`
	ScientificName *string `json:"scientific_name,omitempty" example:"Epipremnum aureum"`
	Nickname       *string `json:"nickname,omitempty" example:"La trepadora"`
	Location       *string `json:"location,omitempty" example:"sala, cerca de la ventana"`
	Light          *string `json:"light,omitempty" example:"luz indirecta"`
	Humidity       *string `json:"humidity,omitempty" example:"media"`
	Temperature    *string `json:"temperature,omitempty" example:"18-24°C"`
	Notes          *string `json:"notes,omitempty"`
	PhotoURI       *string `json:"photo_uri,omitempty"`
}

// ListPlantsResponse wraps the user's active plants.
type ListPlantsResponse struct {
	Plants []domain.Plant `json:"plants"`
}

// CreatePlant godoc
// @ID          createPlant
// @Summary     Register a plant
// @Description Creates a plant for the current user. Names are deduplicated
// @Description case-insensitively: registering an existing name returns the
// @Description existing plant, filling any blank attributes.
// @Tags        Plants
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       body       body    handlers.CreatePlantRequest  true  "Plant payload"
//
// @Success     201  {object}  domain.Plant
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /plants [post]
func (h *Handlers) CreatePlant(c *gin.Context) {
	var req CreatePlantRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.CommonName) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "common_name required (1–255 chars)")
		return
	}

	p, err := h.plantSvc.Create(c.Request.Context(), userID(c), &domain.Plant{
		CommonName:     req.CommonName,
		ScientificName: req.ScientificName,
		Nickname:       req.Nickname,
		Location:       req.Location,
		Light:          req.Light,
		Humidity:       req.Humidity,
		Temperature:    req.Temperature,
		Notes:          req.Notes,
		PhotoURI:       req.PhotoURI,
	})
	if err != nil {
		switch err {
		case services.ErrCommonNameRequired:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "common_name required (1–255 chars)")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, p)
}

// ListPlants godoc
// @ID          listPlants
// @Summary     List active plants
// @Description Returns the current user's active plants, newest first.
// @Tags        Plants
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     200  {object}  handlers.ListPlantsResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /plants [get]
func (h *Handlers) ListPlants(c *gin.Context) {
	items, err := h.plantSvc.List(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListPlantsResponse{Plants: items})
}

// GetPlant godoc
// @ID          getPlant
// @Summary     Fetch a plant
// @Description Returns one of the current user's plants by ID.
// @Tags        Plants
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Plant ID (UUID)"        format(uuid)
//
// @Success     200  {object}  domain.Plant
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Plant not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /plants/{id} [get]
func (h *Handlers) GetPlant(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "plant id must be a UUID")
		return
	}

	p, err := h.plantSvc.Get(c.Request.Context(), userID(c), id)
	if err != nil {
		switch err {
		case services.ErrPlantNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "plant not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, p)
}

// UpdatePlant godoc
// @ID          updatePlant
// @Summary     Update a plant
// @Description Applies a partial update to one of the current user's plants.
// @Tags        Plants
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Plant ID (UUID)"        format(uuid)
// @Param       body       body    services.PlantPatch  true  "Fields to update"
//
// @Success     200  {object}  domain.Plant
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Plant not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Name already in use"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /plants/{id} [patch]
func (h *Handlers) UpdatePlant(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "plant id must be a UUID")
		return
	}

	var patch services.PlantPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	p, err := h.plantSvc.Update(c.Request.Context(), userID(c), id, patch)
	if err != nil {
		switch err {
		case services.ErrPlantNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "plant not found")
		case services.ErrCommonNameRequired:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "common_name must not be blank")
		case services.ErrInvalidPlantStatus:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status must be active or archived")
		case services.ErrDuplicatePlantName:
			fail(c, http.StatusConflict, ErrCodeConflict, "another active plant already has this name")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, p)
}

// ArchivePlant godoc
// @ID          archivePlant
// @Summary     Archive a plant
// @Description Soft-retires a plant. Archiving an already archived plant succeeds.
// @Tags        Plants
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Plant ID (UUID)"        format(uuid)
//
// @Success     204  {string}  string "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Plant not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /plants/{id} [delete]
func (h *Handlers) ArchivePlant(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "plant id must be a UUID")
		return
	}

	if err := h.plantSvc.Archive(c.Request.Context(), userID(c), id); err != nil {
		switch err {
		case services.ErrPlantNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "plant not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	noContent(c)
}

// GetCarePlan godoc
// @ID          getCarePlan
// @Summary     Fetch the latest care plan for a plant
// @Description Returns the most recent generated care plan for one of the
// @Description current user's plants, or a null body when no plan exists yet.
// @Tags        Plants
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Plant ID (UUID)"        format(uuid)
//
// @Success     200  {object}  domain.CarePlan "Latest plan, or null when none exists"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Plant not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /plants/{id}/care-plan [get]
func (h *Handlers) GetCarePlan(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "plant id must be a UUID")
		return
	}

	// Ownership check goes through the plant service.
	if _, err := h.plantSvc.Get(c.Request.Context(), userID(c), id); err != nil {
		switch err {
		case services.ErrPlantNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "plant not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	cp, err := repo.LatestCarePlanForPlant(c.Request.Context(), h.db, id)
	if err != nil {
		// No plan yet is a valid state for an existing plant: respond 200/null.
		if errors.Is(err, repo.ErrNotFound) {
			ok(c, http.StatusOK, nil)
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, cp)
}
