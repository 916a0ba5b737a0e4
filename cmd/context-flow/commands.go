package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mattpollak/context-flow/internal/format"
	"github.com/mattpollak/context-flow/internal/query"
	"github.com/mattpollak/context-flow/internal/store"
)

// ─── Indexing ────────────────────────────────────────────────────────────────

func indexCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index new transcript content",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				st, err := a.svc.Index(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(st)
				}
				fmt.Printf("Indexed %d messages from %d files (%d sessions) in %.2fs\n",
					st.Messages, st.Files, st.Sessions, st.DurationSeconds)
				if st.Failed > 0 {
					fmt.Printf("%d files failed; run with --log-level debug for details\n", st.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func reindexCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Drop the index and rebuild it from all transcripts",
		Long:  "Rebuild the index from scratch. Message tags are lost; manual session tags are kept.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				res, err := a.svc.Reindex(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(res)
				}
				fmt.Printf("Reindex %s: %d messages, %d files, %d sessions in %.2fs\n",
					res.Status, res.MessagesIndexed, res.FilesIndexed, res.SessionsFound, res.DurationSeconds)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

// ─── Queries ─────────────────────────────────────────────────────────────────

func searchCmd() *cobra.Command {
	var (
		p          query.SearchParams
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed messages (FTS5 syntax)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Query = strings.Join(args, " ")
			return withApp(func(ctx context.Context, a *app) error {
				hits, err := a.svc.SearchHistory(ctx, p)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(hits)
				}
				if len(hits) == 0 {
					fmt.Printf("No messages found for: %q\n", p.Query)
					return nil
				}
				fmt.Printf("Found %d messages:\n\n", len(hits))
				for i, h := range hits {
					session := h.SessionID
					if h.Slug != "" {
						session = h.Slug
						if h.SessionNumber > 0 {
							session += " #" + strconv.Itoa(h.SessionNumber)
						}
					}
					fmt.Printf("[%d] #%d (%s) %s\n    %s\n    %s | %s\n\n",
						i+1, h.ID, h.Role, session,
						strings.ReplaceAll(h.Snippet, "\n", " "),
						h.Timestamp, h.ProjectDir)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Project, "project", "", "project directory substring")
	f.StringVar(&p.DateFrom, "from", "", "earliest timestamp (ISO date)")
	f.StringVar(&p.DateTo, "to", "", "latest timestamp (ISO date, inclusive)")
	f.StringSliceVar(&p.Tags, "tag", nil, "require message tag (repeatable)")
	f.IntVar(&p.Limit, "limit", query.DefaultSearchLimit, "maximum results")
	f.BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func sessionsCmd() *cobra.Command {
	var (
		p          query.SessionParams
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List indexed sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				sessions, err := a.svc.ListSessions(ctx, p)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(sessions)
				}
				if len(sessions) == 0 {
					fmt.Println("No sessions found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION\tSLUG\tPROJECT\tSTARTED\tMESSAGES\tTAGS")
				for _, s := range sessions {
					slug := s.Slug
					if s.SessionNumber > 0 {
						slug += " #" + strconv.Itoa(s.SessionNumber)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
						s.ID, slug, s.ProjectDir, s.FirstTimestamp, s.MessageCount, strings.Join(s.Tags, ","))
				}
				return w.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Project, "project", "", "project directory substring")
	f.StringVar(&p.Slug, "slug", "", "only sessions of this slug, oldest first")
	f.StringVar(&p.DateFrom, "from", "", "sessions active on or after (ISO date)")
	f.StringVar(&p.DateTo, "to", "", "sessions starting on or before (ISO date)")
	f.StringSliceVar(&p.Tags, "tag", nil, "require session tag (repeatable)")
	f.IntVar(&p.Limit, "limit", query.DefaultSessionLimit, "maximum sessions")
	f.BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func conversationCmd() *cobra.Command {
	var (
		p      query.ConversationParams
		output string
	)
	cmd := &cobra.Command{
		Use:   "conversation <session-id|slug>",
		Short: "Print a session, or a slug's chain of sessions",
		Long: `Print a conversation as markdown (default) or JSON.

For slugs, --session picks sessions of the chain by number: "4", "4-5",
"1,3,5" or combinations. Exact session ids ignore --session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "markdown" && output != "json" {
				return errors.Errorf("invalid --format %q: use markdown or json", output)
			}
			p.ID = args[0]
			return withApp(func(ctx context.Context, a *app) error {
				conv, err := a.svc.GetConversation(ctx, p)
				if err != nil {
					return err
				}
				if output == "json" {
					return printJSON(conv)
				}
				fmt.Print(format.Conversation(conv.Sessions, conv.Messages))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Session, "session", "", "session range within a slug chain")
	f.StringVar(&p.AroundTimestamp, "around", "", "only messages near this timestamp")
	f.StringSliceVar(&p.Roles, "role", nil, "only these roles (user, assistant, tool_summary, plan)")
	f.IntVar(&p.Limit, "limit", query.DefaultConversationLimit, "maximum messages")
	f.StringVar(&output, "format", "markdown", "markdown or json")
	return cmd
}

// ─── Tags ────────────────────────────────────────────────────────────────────

func tagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Tag a message or a session",
	}
	cmd.AddCommand(tagMessageCmd(), tagSessionCmd())
	return cmd
}

func tagMessageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "message <message-id> <tag>...",
		Short: "Add manual tags to a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.Errorf("invalid message id %q", args[0])
			}
			return withApp(func(ctx context.Context, a *app) error {
				res, err := a.svc.TagMessage(ctx, id, args[1:])
				if err != nil {
					return err
				}
				fmt.Printf("Message #%d tags: %s\n", res.MessageID, tagList(res.Tags))
				return nil
			})
		},
	}
}

func tagSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session <session-id> <tag>...",
		Short: "Add manual tags to a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				res, err := a.svc.TagSession(ctx, args[0], args[1:])
				if err != nil {
					return err
				}
				fmt.Printf("Session %s tags: %s\n", res.SessionID, tagList(res.Tags))
				return nil
			})
		},
	}
}

func tagsCmd() *cobra.Command {
	var (
		scope      string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "List tags with usage counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				counts, err := a.svc.ListTags(ctx, scope)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(counts)
				}
				if len(counts) == 0 {
					fmt.Println("No tags yet.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TAG\tSCOPE\tAUTO\tMANUAL\tTOTAL")
				for _, c := range counts {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", c.Tag, c.Scope, c.Auto, c.Manual, c.Total)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "all", "message, session or all")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func statsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				st, err := a.svc.Stats(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(st)
				}
				fmt.Printf("Database:     %s\n", a.store.Path())
				fmt.Printf("Transcripts:  %s\n", cfg.TranscriptRoot)
				fmt.Printf("Files:        %d\n", st.Files)
				fmt.Printf("Sessions:     %d\n", st.Sessions)
				fmt.Printf("Messages:     %d\n", st.Messages)
				fmt.Printf("Message tags: %d\n", st.MessageTags)
				fmt.Printf("Session tags: %d\n", st.SessionTags)
				if len(st.Projects) > 0 {
					fmt.Printf("Projects:     %s\n", strings.Join(st.Projects, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "encode json")
}

func tagList(tags []store.TagRef) string {
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = fmt.Sprintf("%s (%s)", t.Tag, t.Source)
	}
	return strings.Join(parts, ", ")
}
