package plugins

import (
	"fmt"
	"strings"
)

const noResults = "No results found."

func FormatWeb(results []Result) string {
	return formatList(results, func(i int, r Result) string {
		return fmt.Sprintf("%d. **%s**\n%s", i+1, r.Title, r.Link)
	})
}

func FormatImages(results []Result) string {
	return formatList(results, func(i int, r Result) string {
		line := fmt.Sprintf("%d. **%s**", i+1, r.Title)
		if r.Source != "" {
			line += fmt.Sprintf(" (source: <%s>)", r.Source)
		}
		line += "\n" + r.ImageURL
		if r.Filename != "" {
			line += fmt.Sprintf(" `%s`", r.Filename)
		}
		return line
	})
}

func FormatVideos(results []Result) string {
	return formatList(results, func(i int, r Result) string {
		return fmt.Sprintf("%d. **%s**\n%s", i+1, r.Title, r.Link)
	})
}

func FormatPlaces(results []Result) string {
	return formatList(results, func(i int, r Result) string {
		line := fmt.Sprintf("%d. **%s**", i+1, r.Title)
		if r.Address != "" {
			line += " - " + r.Address
		}
		if r.Rating > 0 {
			line += fmt.Sprintf(" ★%.1f", r.Rating)
		}
		if r.Link != "" {
			line += "\n" + r.Link
		}
		return line
	})
}

func formatList(results []Result, line func(int, Result) string) string {
	if len(results) == 0 {
		return noResults
	}
	lines := make([]string, 0, len(results))
	for i, r := range results {
		lines = append(lines, line(i, r))
	}
	return strings.Join(lines, "\n")
}
