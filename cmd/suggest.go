package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"github.com/xrash/smetrics"
)

type suggestion struct {
	name  string
	score float64
}

func levenshteinRatio(s, t string) float64 {
	lensum := float64(len(s) + len(t))
	if lensum == 0 {
		return 1.0
	}

	dist := float64(smetrics.WagnerFischer(s, t, 1, 1, 2))
	return (lensum - dist) / lensum
}

// similarNames returns the candidates that look like `name`, best first.
func similarNames(name string, candidates []string) []string {
	similars := []suggestion{}
	for _, candidate := range candidates {
		if score := levenshteinRatio(name, candidate); score >= 0.6 {
			similars = append(similars, suggestion{name: candidate, score: score})
		}
	}

	sort.SliceStable(similars, func(i, j int) bool {
		return similars[i].score > similars[j].score
	})

	names := []string{}
	for _, similar := range similars {
		names = append(names, similar.name)
	}

	return names
}

// didYouMean formats a hint for `name` or returns an empty string.
func didYouMean(name string, candidates []string) string {
	similars := similarNames(name, candidates)
	if len(similars) == 0 {
		return ""
	}

	if len(similars) > 3 {
		similars = similars[:3]
	}

	return fmt.Sprintf(" (did you mean %s?)", strings.Join(similars, ", "))
}

func commandNotFound(ctx *cli.Context, cmdName string) {
	candidates := []string{}
	for _, command := range ctx.App.Commands {
		candidates = append(candidates, command.Name)
		candidates = append(candidates, command.Aliases...)
	}

	fmt.Fprintf(ctx.App.ErrWriter, "`%s` is not a valid command.", color.RedString(cmdName))

	similars := similarNames(cmdName, candidates)
	switch len(similars) {
	case 0:
		fmt.Fprintf(ctx.App.ErrWriter, "\n")
	case 1:
		fmt.Fprintf(ctx.App.ErrWriter, " Did you maybe mean `%s`?\n", color.GreenString(similars[0]))
	default:
		fmt.Fprintln(ctx.App.ErrWriter, "\n\nDid you maybe mean one of those?")
		for _, similar := range similars {
			fmt.Fprintf(ctx.App.ErrWriter, "  * %s\n", color.GreenString(similar))
		}
	}
}
