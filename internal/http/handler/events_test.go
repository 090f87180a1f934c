package handler_test

import (
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"lsh.app/jobd/internal/http/handler"
	"lsh.app/jobd/internal/model"
)

var _ = Describe("EventsHandler", func() {
	var (
		router *gin.Engine
		events chan model.JobEvent
		unsubs int
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		events = make(chan model.JobEvent, 8)
		unsubs = 0

		h := handler.NewEventsHandler(func(int) (<-chan model.JobEvent, func()) {
			return events, func() { unsubs++ }
		})
		router.GET("/events", h.Stream)
	})

	It("streams events until the source closes", func() {
		events <- model.JobEvent{Type: model.EventJobStarted, JobID: "1", Status: model.JobStatusRunning}
		events <- model.JobEvent{Type: model.EventJobCompleted, JobID: "1", Status: model.JobStatusCompleted}
		close(events)

		req := httptest.NewRequest(http.MethodGet, "/events", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("Content-Type")).To(Equal("text/event-stream"))

		body := w.Body.String()
		Expect(body).To(HavePrefix("event: ping\ndata: ready\n\n"))
		Expect(body).To(ContainSubstring("event: job_started\ndata: {"))
		Expect(body).To(ContainSubstring(`"status":"completed"`))
		Expect(unsubs).To(Equal(1))
	})

	It("filters by job id", func() {
		events <- model.JobEvent{Type: model.EventJobStarted, JobID: "1"}
		events <- model.JobEvent{Type: model.EventJobStarted, JobID: "2"}
		close(events)

		req := httptest.NewRequest(http.MethodGet, "/events?job_id=2", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Body.String()).To(ContainSubstring(`"job_id":"2"`))
		Expect(w.Body.String()).NotTo(ContainSubstring(`"job_id":"1"`))
	})

	It("answers 503 without an event source", func() {
		router = gin.New()
		router.GET("/events", handler.NewEventsHandler(nil).Stream)

		req := httptest.NewRequest(http.MethodGet, "/events", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
	})
})
