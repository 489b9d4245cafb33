// Package dateparse evaluates strftime-style templates with per-directive
// arithmetic offsets, used in filenames and parameter values.
//
// A directive may be immediately followed by a signed integer, for example
// "%d-1" is yesterday's day of month and "%m+6" the month half a year out.
// Offsets for every directive in a template are summed into one aggregate
// delta and applied once with calendar-aware arithmetic before formatting.
//
// Templates are split on the first recurring directive and each half is
// evaluated independently, so "%Y-%m_%Y-%m" renders two dates that do not
// share each other's offsets.
//
// The literal keywords firstday, firstday0 and lastday resolve against the
// already-offset date after directive formatting.
package dateparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var directiveRe = regexp.MustCompile(`%([a-zA-Z])([+-]\d+)?`)

// delta is the aggregate offset collected from one template part.
type delta struct {
	microseconds int
	seconds      int
	minutes      int
	hours        int
	days         int
	weeks        int
	months       int
	years        int
}

// Evaluate renders template against the current time.
func Evaluate(template string) (string, error) {
	return EvaluateAt(time.Now(), template)
}

// EvaluateAt renders template against the given reference time.
func EvaluateAt(now time.Time, template string) (string, error) {
	var out strings.Builder
	for _, part := range splitRepeating(template) {
		s, err := evaluatePart(now, part)
		if err != nil {
			return "", err
		}
		out.WriteString(s)
	}
	return out.String(), nil
}

// splitRepeating splits the template at the first repeated directive so each
// returned part contains every directive at most once.
func splitRepeating(template string) []string {
	var parts []string

	rest := template
	for {
		repeat := firstRepeatedDirective(rest)
		if repeat == "" {
			parts = append(parts, rest)
			return parts
		}

		// Split on the first two occurrences; the first part keeps one
		// occurrence, the remainder starts with the second.
		pieces := strings.SplitN(rest, repeat, 3)
		parts = append(parts, pieces[0]+repeat+pieces[1])
		rest = repeat + pieces[2]
	}
}

func firstRepeatedDirective(s string) string {
	seen := map[string]bool{}
	for _, m := range directiveRe.FindAllStringSubmatch(s, -1) {
		token := "%" + m[1]
		if seen[token] {
			return token
		}
		seen[token] = true
	}
	return ""
}

func evaluatePart(now time.Time, part string) (string, error) {
	var d delta

	// Collect the first offset per directive class and strip all offsets
	// from the layout.
	stripped := directiveRe.ReplaceAllStringFunc(part, func(m string) string {
		sub := directiveRe.FindStringSubmatch(m)
		letter, offset := sub[1], sub[2]
		if offset != "" {
			n, _ := strconv.Atoi(offset)
			d.add(letter, n)
		}
		return "%" + letter
	})

	// Drop stray percent signs that format nothing.
	stripped = regexp.MustCompile(`%$`).ReplaceAllString(stripped, "")
	stripped = regexp.MustCompile(`%([^a-zA-Z])`).ReplaceAllString(stripped, "$1")

	shifted := now.
		Add(time.Duration(d.microseconds)*time.Microsecond +
			time.Duration(d.seconds)*time.Second +
			time.Duration(d.minutes)*time.Minute +
			time.Duration(d.hours)*time.Hour).
		AddDate(d.years, d.months, d.days+d.weeks*7)

	formatted, err := strftime(shifted, stripped)
	if err != nil {
		return "", err
	}

	lastDay := daysInMonth(shifted.Year(), shifted.Month())
	formatted = strings.ReplaceAll(formatted, "firstday0", "01")
	formatted = strings.ReplaceAll(formatted, "firstday", "1")
	formatted = strings.ReplaceAll(formatted, "lastday", strconv.Itoa(lastDay))

	return formatted, nil
}

func (d *delta) add(letter string, n int) {
	switch letter {
	case "f":
		if d.microseconds == 0 {
			d.microseconds = n
		}
	case "S":
		if d.seconds == 0 {
			d.seconds = n
		}
	case "M":
		if d.minutes == 0 {
			d.minutes = n
		}
	case "H", "I":
		if d.hours == 0 {
			d.hours = n
		}
	case "a", "A", "w", "d":
		if d.days == 0 {
			d.days = n
		}
	case "U", "W":
		if d.weeks == 0 {
			d.weeks = n
		}
	case "b", "B", "m":
		if d.months == 0 {
			d.months = n
		}
	case "y", "Y":
		if d.years == 0 {
			d.years = n
		}
	}
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// strftime formats t according to a strptime-style layout.
func strftime(t time.Time, layout string) (string, error) {
	var out strings.Builder

	for i := 0; i < len(layout); i++ {
		c := layout[i]
		if c != '%' {
			out.WriteByte(c)
			continue
		}
		if i+1 >= len(layout) {
			break
		}
		i++
		switch layout[i] {
		case 'Y':
			fmt.Fprintf(&out, "%04d", t.Year())
		case 'y':
			fmt.Fprintf(&out, "%02d", t.Year()%100)
		case 'm':
			fmt.Fprintf(&out, "%02d", int(t.Month()))
		case 'd':
			fmt.Fprintf(&out, "%02d", t.Day())
		case 'H':
			fmt.Fprintf(&out, "%02d", t.Hour())
		case 'I':
			h := t.Hour() % 12
			if h == 0 {
				h = 12
			}
			fmt.Fprintf(&out, "%02d", h)
		case 'M':
			fmt.Fprintf(&out, "%02d", t.Minute())
		case 'S':
			fmt.Fprintf(&out, "%02d", t.Second())
		case 'f':
			fmt.Fprintf(&out, "%06d", t.Nanosecond()/1000)
		case 'a':
			out.WriteString(t.Format("Mon"))
		case 'A':
			out.WriteString(t.Format("Monday"))
		case 'b':
			out.WriteString(t.Format("Jan"))
		case 'B':
			out.WriteString(t.Format("January"))
		case 'p':
			out.WriteString(t.Format("PM"))
		case 'w':
			fmt.Fprintf(&out, "%d", int(t.Weekday()))
		case 'j':
			fmt.Fprintf(&out, "%03d", t.YearDay())
		case 'U':
			fmt.Fprintf(&out, "%02d", weekOfYear(t, time.Sunday))
		case 'W':
			fmt.Fprintf(&out, "%02d", weekOfYear(t, time.Monday))
		case '%':
			out.WriteByte('%')
		default:
			return "", fmt.Errorf("unsupported date directive %%%c", layout[i])
		}
	}

	return out.String(), nil
}

// weekOfYear counts full weeks since the first firstDay of the year, the
// strftime %U / %W convention.
func weekOfYear(t time.Time, firstDay time.Weekday) int {
	yearStart := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, t.Location())
	offset := (int(yearStart.Weekday()) - int(firstDay) + 7) % 7
	return (t.YearDay() + offset - 1) / 7
}
