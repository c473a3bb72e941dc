package calendarsync

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"mailschedule/internal/model"
	"mailschedule/internal/normalizer"
)

const productID = "-//mailschedule//staged events//EN"

// EventUID is stable per stored event so re-imports update instead of duplicate.
func EventUID(id int64) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("mailschedule:calendar_event:%d", id))).String()
}

// WriteICS encodes staged events as one VCALENDAR.
func WriteICS(w io.Writer, events []*model.StoredCalendarEvent, now time.Time) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	for _, e := range events {
		ev := ical.NewEvent()
		ev.Props.SetText(ical.PropUID, EventUID(e.ID))
		ev.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
		ev.Props.SetDateTime(ical.PropDateTimeStart, e.StartTime.UTC())
		ev.Props.SetDateTime(ical.PropDateTimeEnd, e.EndTime.UTC())
		ev.Props.SetText(ical.PropSummary, e.Summary)
		if e.Location != "" {
			ev.Props.SetText(ical.PropLocation, e.Location)
		}
		if e.Description != "" {
			ev.Props.SetText(ical.PropDescription, e.Description)
		}
		for _, addr := range normalizer.SplitAttendees(e.Attendees) {
			prop := ical.NewProp(ical.PropAttendee)
			prop.SetURI(&url.URL{Scheme: "mailto", Opaque: addr})
			ev.Props.Add(prop)
		}
		cal.Children = append(cal.Children, ev.Component)
	}

	return ical.NewEncoder(w).Encode(cal)
}
