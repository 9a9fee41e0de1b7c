package parser

import (
	"bufio"
	"regexp"
	"strings"
	"time"
)

// conferencingURLPatterns match the join-URL shapes feature-scanned out of
// an invite's description and location fields.
var conferencingURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https?://[\w.-]*zoom\.us/j/\S+`),
	regexp.MustCompile(`https?://meet\.google\.com/\S+`),
	regexp.MustCompile(`https?://teams\.microsoft\.com/l/meetup-join/\S+`),
	regexp.MustCompile(`https?://[\w.-]*webex\.com/\S+`),
	regexp.MustCompile(`https?://[\w.-]*whereby\.com/\S+`),
}

// parseCalendarInvite decodes a text/calendar part into a CalendarInvite.
// Only VEVENT's scalar properties are extracted; recurrence rules,
// attendee lists, and alarms are out of scope.
func parseCalendarInvite(content []byte) *CalendarInvite {
	props := map[string]string{}

	scanner := bufio.NewScanner(unfoldLines(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	inEvent := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		switch line {
		case "BEGIN:VEVENT":
			inEvent = true
			continue
		case "END:VEVENT":
			inEvent = false
			continue
		}
		if !inEvent {
			continue
		}

		name, value, ok := splitICSLine(line)
		if !ok {
			continue
		}
		props[name] = value
	}

	if len(props) == 0 {
		return nil
	}

	invite := &CalendarInvite{
		EventUID:    props["UID"],
		Title:       props["SUMMARY"],
		Organizer:   stripMailto(props["ORGANIZER"]),
		Location:    props["LOCATION"],
		Description: unescapeICSText(props["DESCRIPTION"]),
	}

	if start, allDay, ok := parseICSTime(props["DTSTART"]); ok {
		invite.Start = start
		invite.AllDay = allDay
	}
	if end, _, ok := parseICSTime(props["DTEND"]); ok {
		invite.End = end
	}

	invite.JoinURL = findConferencingURL(invite.Description + " " + invite.Location)

	return invite
}

// unfoldLines joins RFC 5545 folded continuation lines (a line beginning
// with a single space or tab continues the previous one) before line-based
// scanning.
func unfoldLines(content []byte) *strings.Reader {
	raw := strings.ReplaceAll(string(content), "\r\n", "\n")
	lines := strings.Split(raw, "\n")

	var b strings.Builder
	for _, line := range lines {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			b.WriteString(line[1:])
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}

	return strings.NewReader(b.String())
}

// splitICSLine splits "NAME;PARAM=x:value" into ("NAME", "value").
// Parameters are discarded; parseICSTime tells an all-day date from a
// date-time by the shape of the value alone.
func splitICSLine(line string) (name, value string, ok bool) {
	colon := strings.Index(line, ":")
	if colon < 0 {
		return "", "", false
	}
	head := line[:colon]
	value = line[colon+1:]

	if semi := strings.Index(head, ";"); semi >= 0 {
		name = head[:semi]
	} else {
		name = head
	}
	return strings.ToUpper(name), value, true
}

// parseICSTime handles the two DTSTART/DTEND shapes that occur in mail: a bare
// date (VALUE=DATE, all-day) and a UTC or floating date-time.
func parseICSTime(value string) (t time.Time, allDay bool, ok bool) {
	if value == "" {
		return time.Time{}, false, false
	}
	if len(value) == 8 {
		t, err := time.Parse("20060102", value)
		if err != nil {
			return time.Time{}, false, false
		}
		return t, true, true
	}
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		if err != nil {
			return time.Time{}, false, false
		}
		return t, false, true
	}
	t, err := time.Parse("20060102T150405", value)
	if err != nil {
		return time.Time{}, false, false
	}
	return t, false, true
}

func stripMailto(organizer string) string {
	return strings.TrimPrefix(strings.ToLower(organizer), "mailto:")
}

func unescapeICSText(s string) string {
	replacer := strings.NewReplacer(`\n`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)
	return replacer.Replace(s)
}

func findConferencingURL(haystack string) string {
	for _, re := range conferencingURLPatterns {
		if m := re.FindString(haystack); m != "" {
			return m
		}
	}
	return ""
}
