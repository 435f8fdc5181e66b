package message

import "time"

// DayKey buckets the message into a calendar day in loc.
func (m Message) DayKey(loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return m.CreatedAt.In(loc).Format("2006-01-02")
}

// DayLabel is the human grouping label relative to now: Today, Yesterday,
// a weekday name within the last week, otherwise the date.
func (m Message) DayLabel(now time.Time) string {
	loc := now.Location()
	day := truncateDay(m.CreatedAt.In(loc))
	today := truncateDay(now)
	days := int(today.Sub(day).Hours() / 24)
	switch {
	case days == 0:
		return "Today"
	case days == 1:
		return "Yesterday"
	case days > 1 && days < 7:
		return day.Weekday().String()
	default:
		return day.Format("Jan 2, 2006")
	}
}

func truncateDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

type DayGroup struct {
	Key      string
	Label    string
	Messages []Message
}

// GroupByDay splits an ordered window into consecutive day groups.
func GroupByDay(msgs []Message, now time.Time) []DayGroup {
	var groups []DayGroup
	for _, m := range msgs {
		key := m.DayKey(now.Location())
		if n := len(groups); n > 0 && groups[n-1].Key == key {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DayGroup{Key: key, Label: m.DayLabel(now), Messages: []Message{m}})
	}
	return groups
}
