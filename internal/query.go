package internal

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/MrSnakeDoc/ghrelay/internal/app"
	"github.com/MrSnakeDoc/ghrelay/internal/errs"
	"github.com/MrSnakeDoc/ghrelay/internal/middleware"
	"github.com/MrSnakeDoc/ghrelay/internal/models"
	"github.com/MrSnakeDoc/ghrelay/internal/repolist"
	"github.com/MrSnakeDoc/ghrelay/internal/utils"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func published(r *models.Release) string {
	if r == nil || r.Published().IsZero() {
		return "-"
	}
	return humanize.Time(r.Published())
}

func NewReposCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "Show the configured repository list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := middleware.Get[*app.App](cmd, middleware.CtxKeyApp)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")

			repos, err := a.ListRepositories(cmd.Context(), false)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), repos)
			}

			rows := utils.Map(repos, func(r models.RepositoryRef) []string {
				return []string{r.Owner, r.Name, r.URL}
			})
			utils.RenderTable(fmt.Sprintf("%d repositories from %s", len(repos), a.Repos.Location()),
				[]string{"Owner", "Repository", "URL"}, rows)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

func NewLatestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Show the newest release of every listed repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := middleware.Get[*app.App](cmd, middleware.CtxKeyApp)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")

			entries, err := a.ListLatestReleases(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				tag, assets := "-", "-"
				if e.Latest != nil {
					tag = e.Latest.TagName
					assets = strconv.Itoa(len(e.Latest.Assets))
				}
				if e.Error != "" {
					tag = "error: " + e.Error
				}
				rows = append(rows, []string{e.Repo, tag, published(e.Latest), assets, strconv.Itoa(e.TotalReleases)})
			}
			utils.RenderTable("", []string{"Repository", "Latest", "Published", "Assets", "Releases"}, rows)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

func NewReleasesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "releases <owner/repo>",
		Short:   "List the releases of one repository",
		Example: "ghrelay releases cli/cli --assets",
		Args:    cobra.ExactArgs(1),
		PreRunE: func(_ *cobra.Command, args []string) error {
			if _, _, ok := repolist.SplitFullName(args[0]); !ok {
				return middleware.FlagComboError(errs.InvalidRepoPath, args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := middleware.Get[*app.App](cmd, middleware.CtxKeyApp)
			if err != nil {
				return err
			}
			owner, repo, _ := repolist.SplitFullName(args[0])
			asJSON, _ := cmd.Flags().GetBool("json")
			withAssets, _ := cmd.Flags().GetBool("assets")
			limit, _ := cmd.Flags().GetInt("limit")
			stable, _ := cmd.Flags().GetBool("stable")

			rels, err := a.ListAllReleases(cmd.Context(), owner, repo)
			if err != nil {
				return err
			}
			if stable {
				rels = utils.Filter(rels, func(r models.Release) bool { return !r.Prerelease && !r.Draft })
			}
			if limit > 0 {
				rels = utils.Take(rels, limit)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), rels)
			}

			headers := []string{"Tag", "Title", "Published", "Flags", "Assets"}
			rows := make([][]string, 0, len(rels))
			for i := range rels {
				r := &rels[i]
				rows = append(rows, []string{r.TagName, r.Title, published(r), releaseFlags(r), strconv.Itoa(len(r.Assets))})
				if !withAssets {
					continue
				}
				for _, as := range r.Assets {
					rows = append(rows, []string{"", "  " + as.Name, humanize.IBytes(uint64(as.Size)),
						humanize.Comma(as.DownloadCount) + " dl", as.ProxyURL})
				}
			}
			utils.RenderTable(fmt.Sprintf("%s/%s: %d releases", owner, repo, len(rels)), headers, rows)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	cmd.Flags().BoolP("assets", "a", false, "Show assets with their proxy links")
	cmd.Flags().IntP("limit", "n", 0, "Show at most n releases")
	cmd.Flags().Bool("stable", false, "Hide drafts and pre-releases")
	return cmd
}

func releaseFlags(r *models.Release) string {
	var f []string
	if r.Prerelease {
		f = append(f, "pre")
	}
	if r.Draft {
		f = append(f, "draft")
	}
	return strings.Join(f, ",")
}

func NewTokensCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tokens",
		Short: "Show the configured token pool (redacted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := middleware.Get[*app.App](cmd, middleware.CtxKeyApp)
			if err != nil {
				return err
			}

			snap := a.TokenStats()
			rows := make([][]string, 0, len(snap.PerToken))
			for _, s := range snap.PerToken {
				health := "healthy"
				if !s.Healthy {
					health = "unhealthy"
				}
				lastUsed := "never"
				if s.LastUsedAt != nil {
					lastUsed = humanize.Time(*s.LastUsedAt)
				}
				rows = append(rows, []string{s.Token, health,
					humanize.Comma(int64(s.Requests)), humanize.Comma(int64(s.Successes)),
					strconv.FormatUint(s.ConsecutiveFailures, 10), lastUsed, s.LastError})
			}
			utils.RenderTable(fmt.Sprintf("%d tokens", snap.TotalTokens),
				[]string{"Token", "State", "Requests", "Successes", "Failing", "Last used", "Last error"}, rows)
			return nil
		},
	}
}
