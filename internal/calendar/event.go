package calendar

import "time"

// EventTime は予定の開始・終了時刻。
// 終日の予定はDate、時刻指定の予定はDateTimeが設定される。
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Time はEventTimeを時刻に変換する。終日の予定はUTCの0時として扱う。
func (t EventTime) Time() (time.Time, bool) {
	if t.DateTime != "" {
		v, err := time.Parse(time.RFC3339, t.DateTime)
		return v, err == nil
	}
	if t.Date != "" {
		v, err := time.Parse(time.DateOnly, t.Date)
		return v, err == nil
	}
	return time.Time{}, false
}

// AllDay は終日の予定かを判定する。
func (t EventTime) AllDay() bool {
	return t.DateTime == "" && t.Date != ""
}

// Event はカレンダーの予定。
type Event struct {
	ID          string    `json:"id"`
	Status      string    `json:"status,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	HTMLLink    string    `json:"htmlLink,omitempty"`
	Start       EventTime `json:"start"`
	End         EventTime `json:"end"`
	Created     string    `json:"created,omitempty"`
	Updated     string    `json:"updated,omitempty"`
}

// eventList は予定一覧APIのレスポンス。
type eventList struct {
	Items         []Event `json:"items"`
	NextPageToken string  `json:"nextPageToken"`
}
