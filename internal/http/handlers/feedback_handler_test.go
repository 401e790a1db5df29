package handlers

import (
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-plant-backend/internal/services"
)

func newFeedbackRouter(fb FeedbackService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := New(&stubConvSvc{}, &stubPlantSvc{}, fb, nil, nil, 0)
	r.POST("/messages/:id/feedback", h.LeaveFeedback)
	return r
}

func TestLeaveFeedback_BindingRejectsBadValues(t *testing.T) {
	r := newFeedbackRouter(&stubFbSvc{})
	path := "/messages/" + uuid.NewString() + "/feedback"

	for _, body := range []any{
		map[string]int{"value": 0},
		map[string]int{"value": 5},
		map[string]string{},
	} {
		w := postJSON(t, r, path, body, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %v: status = %d, want 400", body, w.Code)
		}
	}
}

func TestLeaveFeedback_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{services.ErrMessageNotFound, http.StatusNotFound},
		{services.ErrInvalidFeedback, http.StatusBadRequest},
		{services.ErrForbiddenFeedback, http.StatusForbidden},
		{services.ErrDuplicateFeedback, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	path := "/messages/" + uuid.NewString() + "/feedback"
	for _, tc := range cases {
		r := newFeedbackRouter(&stubFbSvc{err: tc.err})
		w := postJSON(t, r, path, LeaveFeedbackRequest{Value: 1}, nil)
		if w.Code != tc.want {
			t.Fatalf("err %v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestLeaveFeedback_Success(t *testing.T) {
	r := newFeedbackRouter(&stubFbSvc{})
	path := "/messages/" + uuid.NewString() + "/feedback"

	for _, value := range []int{1, -1} {
		w := postJSON(t, r, path, LeaveFeedbackRequest{Value: value}, map[string]string{"X-User-ID": "user123"})
		if w.Code != http.StatusNoContent {
			t.Fatalf("value %d: status = %d, want 204", value, w.Code)
		}
	}
}
