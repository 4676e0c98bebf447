package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

const healthTimeout = 2 * time.Second

func (s *Server) createBooking(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err, "invalid request format", err.Error())
		return
	}

	ctx := c.Request.Context()
	id, err := s.service.StartSaga(ctx, req.toDomain())
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	resp := bookingAccepted{
		SagaID:     id,
		BookingRef: saga.BookingRefFor(id),
		State:      saga.StateRoomReserving,
	}
	// сага уже зафиксирована; состояние могло уйти дальше RoomReserving
	if current, err := s.service.Get(ctx, id); err == nil {
		resp.BookingRef = current.BookingRef
		resp.State = current.State
	} else {
		s.logger.Warn().Err(err).Str("saga_id", id).Msg("failed to read created saga")
	}

	c.Header("Location", "/bookings/"+id)
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) getBooking(c *gin.Context) {
	current, err := s.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBookingView(current))
}

func (s *Server) cancelBooking(c *gin.Context) {
	var req cancelBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abortWithError(c, http.StatusBadRequest, err, "invalid request format", err.Error())
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.service.Cancel(ctx, id, req.Reason); err != nil {
		abortWithServiceError(c, err)
		return
	}

	current, err := s.service.Get(ctx, id)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, newBookingView(current))
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	body := gin.H{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "unavailable"
	}
	c.JSON(status, body)
}
