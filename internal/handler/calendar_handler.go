package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/calendar"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
)

// DefaultCalendarWindow は期間指定がない場合の取得期間。
const DefaultCalendarWindow = 30 * 24 * time.Hour

// EventLister はカレンダーの予定取得インターフェース。
// calendar.Clientが実装する。
type EventLister interface {
	ListEvents(ctx context.Context, q calendar.Query) ([]calendar.Event, error)
}

// CalendarHandler はカレンダーの予定を返すHTTPハンドラー。
type CalendarHandler struct {
	lister EventLister
	window time.Duration
	now    func() time.Time
}

// NewCalendarHandler はCalendarHandlerを生成する。
func NewCalendarHandler(lister EventLister, window time.Duration) *CalendarHandler {
	if window <= 0 {
		window = DefaultCalendarWindow
	}
	return &CalendarHandler{lister: lister, window: window, now: time.Now}
}

// eventsResponse は予定一覧のレスポンス。
type eventsResponse struct {
	Data []calendar.Event `json:"data"`
}

// ListEvents は期間内の予定を返す。
// start、endはRFC3339。省略時は現在時刻から既定の期間を使用する。
// eventIdが指定された場合はその予定のみを返す。
// GET /api/calendar/events?start=...&end=...&calendarId=...&eventId=...
func (h *CalendarHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := calendar.Query{
		CalendarID: params.Get("calendarId"),
		EventID:    params.Get("eventId"),
	}

	if q.EventID == "" {
		start, end, err := h.parseWindow(params.Get("start"), params.Get("end"))
		if err != nil {
			handleServiceError(w, err)
			return
		}
		q.Start, q.End = start, end
	}

	h.respond(w, r, q)
}

// directFetchStart はID指定取得で使う期間の起点（Unixエポック）。期間は10年。
var directFetchStart = time.Unix(0, 0).UTC()

// GetEvent は1件の予定を返す。
// GET /api/calendar/events/{eventID}
func (h *CalendarHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, calendar.Query{
		CalendarID: r.URL.Query().Get("calendarId"),
		EventID:    chi.URLParam(r, "eventID"),
		Start:      directFetchStart,
		End:        directFetchStart.AddDate(10, 0, 0),
	})
}

func (h *CalendarHandler) respond(w http.ResponseWriter, r *http.Request, q calendar.Query) {
	events, err := h.lister.ListEvents(r.Context(), q)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if events == nil {
		events = []calendar.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Data: events})
}

// parseWindow は取得期間を解析する。片方のみ指定された場合はもう一方を既定の期間から補う。
func (h *CalendarHandler) parseWindow(rawStart, rawEnd string) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if rawStart != "" {
		if start, err = time.Parse(time.RFC3339, rawStart); err != nil {
			return start, end, model.NewValidationError("start", "must be an RFC3339 timestamp")
		}
	}
	if rawEnd != "" {
		if end, err = time.Parse(time.RFC3339, rawEnd); err != nil {
			return start, end, model.NewValidationError("end", "must be an RFC3339 timestamp")
		}
	}

	switch {
	case start.IsZero() && end.IsZero():
		start = h.now()
		end = start.Add(h.window)
	case start.IsZero():
		start = end.Add(-h.window)
	case end.IsZero():
		end = start.Add(h.window)
	}
	return start, end, nil
}
