package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ameya051/chat-with-pdf/internal/api"
	"github.com/ameya051/chat-with-pdf/internal/chat"
	"github.com/ameya051/chat-with-pdf/internal/query"
	"github.com/ameya051/chat-with-pdf/internal/storage"
	"github.com/ameya051/chat-with-pdf/internal/stream"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file|glob>...",
	Short: "Upload PDF files for ingestion",
	Long: `Upload PDF files for ingestion. Arguments may be paths or glob patterns.

Examples:
  chatpdf upload report.pdf
  chatpdf upload 'papers/**/*.pdf' --wait`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		files, err := expandPDFs(args)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no PDF files match %s", strings.Join(args, " "))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		var jobIDs []string
		var failed int
		for _, path := range files {
			id, err := uploadWithProgress(ctx, client, path, cmd.ErrOrStderr())
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				printError("%s: %v", path, err)
				failed++
				continue
			}
			printSuccess("Queued %s (job %s)", filepath.Base(path), id)
			jobIDs = append(jobIDs, id)
		}

		if wait {
			for _, id := range jobIDs {
				view, err := client.waitJob(ctx, id, time.Second)
				if err != nil {
					return err
				}
				if view.Status == "failed" {
					printError("%s failed: %s", view.DisplayName(), view.LastError)
					failed++
				} else {
					printSuccess("%s indexed", view.DisplayName())
				}
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d uploads failed", failed, len(files))
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().Bool("wait", false, "wait until every upload is indexed or failed")
}

// expandPDFs resolves paths and doublestar globs to a sorted, de-duplicated
// list of .pdf files.
func expandPDFs(args []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, arg := range args {
		matches := []string{arg}
		if strings.ContainsAny(arg, "*?[{") {
			var err error
			matches, err = doublestar.FilepathGlob(arg, doublestar.WithFilesOnly())
			if err != nil {
				return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
			}
		} else if _, err := os.Stat(arg); err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !strings.EqualFold(filepath.Ext(m), ".pdf") || seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return out, nil
}

func uploadWithProgress(ctx context.Context, client *apiClient, path string, w io.Writer) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	bar := progressbar.NewOptions64(info.Size(),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionEnableColorCodes(!noColor),
		progressbar.OptionSetDescription(filepath.Base(path)),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Close()
	return client.uploadFile(ctx, path, bar)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question about the uploaded documents",
	Long: `Ask a question about the uploaded documents. The answer streams as it is
generated. Without a question, read questions from stdin one per line and keep
the conversation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noStream, _ := cmd.Flags().GetBool("no-stream")
		showSources, _ := cmd.Flags().GetBool("sources")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if noStream {
			if len(args) == 0 {
				return errors.New("a question is required with --no-stream")
			}
			answer, err := client.answer(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(out, answer.Message)
			if showSources {
				printSources(out, answer.Docs)
			}
			return nil
		}

		s := &session{out: out, sources: showSources}
		s.reducer = chat.NewReducer(&chat.HTTPTransport{
			BaseURL: client.baseURL,
			Token:   client.token,
			Client:  client.httpClient,
		}, s.publish)

		if len(args) > 0 {
			return s.ask(cmd.Context(), strings.Join(args, " "))
		}

		scanner := bufio.NewScanner(cmd.InOrStdin())
		for {
			fmt.Fprint(out, colorize(styleLabel, "> "))
			if !scanner.Scan() {
				fmt.Fprintln(out)
				return scanner.Err()
			}
			q := strings.TrimSpace(scanner.Text())
			if q == "" {
				continue
			}
			if err := s.ask(cmd.Context(), q); err != nil {
				printError("%v", err)
			}
		}
	},
}

func init() {
	askCmd.Flags().Bool("no-stream", false, "wait for the complete answer instead of streaming")
	askCmd.Flags().Bool("sources", true, "print the passages the answer is based on")
}

func (c *apiClient) answer(ctx context.Context, question string) (query.Answer, error) {
	q := url.Values{}
	q.Set("message", question)
	q.Set("stream", "false")
	resp, err := c.get(ctx, "/chat?"+q.Encode())
	if err != nil {
		return query.Answer{}, err
	}
	var a query.Answer
	err = decodeJSON(resp, &a)
	return a, err
}

// session prints a conversation as the reducer publishes snapshots.
type session struct {
	reducer *chat.Reducer
	history []chat.Message
	out     io.Writer
	sources bool

	id      int64
	printed int
}

func (s *session) ask(ctx context.Context, question string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	history, err := s.reducer.Ask(ctx, s.history, question)
	s.history = history
	if s.printed > 0 {
		fmt.Fprintln(s.out)
	}
	s.printed = 0
	if err != nil {
		var sendErr *chat.SendError
		if errors.As(err, &sendErr) {
			return fmt.Errorf("%s (%v)", sendErr.Notice, sendErr.Err)
		}
		return err
	}
	if s.sources && len(history) > 0 {
		printSources(s.out, history[len(history)-1].Sources)
	}
	return nil
}

// publish writes the new tail of the streaming assistant message.
func (s *session) publish(list []chat.Message) {
	if len(list) == 0 {
		return
	}
	last := list[len(list)-1]
	if last.Role != chat.RoleAssistant {
		return
	}
	if last.ID != s.id {
		s.id, s.printed = last.ID, 0
	}
	if len(last.Content) > s.printed {
		fmt.Fprint(s.out, last.Content[s.printed:])
		s.printed = len(last.Content)
	}
}

func printSources(w io.Writer, docs []stream.Doc) {
	if len(docs) == 0 {
		return
	}
	fmt.Fprintln(w, colorize(styleMuted, "Sources:"))
	for i, d := range docs {
		text := strings.Join(strings.Fields(d.PageContent), " ")
		if r := []rune(text); len(r) > 160 {
			text = string(r[:160]) + "..."
		}
		loc := d.Metadata.Source
		if d.Metadata.Loc.PageNumber > 0 {
			loc = fmt.Sprintf("%s p.%d", loc, d.Metadata.Loc.PageNumber)
		}
		fmt.Fprintf(w, "  %s %s [%.3f]\n    %s\n", colorize(styleLabel, fmt.Sprintf("%d.", i+1)), loc, d.Score, colorize(styleMuted, text))
	}
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs [id]",
	Short: "List ingestion jobs or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			view, err := client.job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(out, view)
			return nil
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		q.Set("limit", fmt.Sprint(limit))
		resp, err := client.get(cmd.Context(), "/jobs?"+q.Encode())
		if err != nil {
			return err
		}
		var views []api.JobView
		if err := decodeJSON(resp, &views); err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Fprintln(out, "No jobs found.")
			return nil
		}
		for _, v := range views {
			fmt.Fprintf(out, "%s  %-10s  %s  %s\n",
				colorize(styleStep, v.ID[:min(8, len(v.ID))]),
				jobStatusLabel(v.Status),
				v.UpdatedAt.Local().Format(time.DateTime),
				v.DisplayName(),
			)
		}
		return nil
	},
}

func init() {
	jobsCmd.Flags().String("status", "", "filter by status (queued, processing, done, failed)")
	jobsCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
}

func jobStatusLabel(status string) string {
	switch status {
	case "done":
		return colorize(styleSuccess, status)
	case "failed":
		return colorize(styleError, status)
	case "processing":
		return colorize(styleWarning, status)
	}
	return status
}

func printJob(w io.Writer, v api.JobView) {
	fmt.Fprintf(w, "%s %s\n", colorize(styleLabel, "Job:"), v.ID)
	fmt.Fprintf(w, "  File:     %s\n", v.DisplayName())
	if v.OriginalFilename != "" && v.OriginalFilename != v.Filename {
		fmt.Fprintf(w, "  Stored:   %s\n", v.Filename)
	}
	fmt.Fprintf(w, "  Status:   %s\n", jobStatusLabel(v.Status))
	fmt.Fprintf(w, "  Attempts: %d/%d\n", v.Attempts, v.MaxAttempts)
	if v.LastError != "" {
		fmt.Fprintf(w, "  Error:    %s (%s)\n", v.LastError, v.FailureKind)
	}
	fmt.Fprintf(w, "  Created:  %s\n", v.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "  Updated:  %s\n", v.UpdatedAt.Local().Format(time.DateTime))
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, queue and store status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		resp, err := client.get(ctx, "/status")
		if err != nil {
			printStatus("Server", "stopped (%s)", client.baseURL)
		} else {
			var st api.StatusView
			if err := decodeJSON(resp, &st); err != nil {
				printStatus("Server", "error: %v", err)
			} else {
				printStatus("Server", "running at %s", client.baseURL)
				for _, s := range []string{"queued", "processing", "done", "failed"} {
					printStatus("Jobs "+s, "%d", st.Jobs[storage.JobStatus(s)])
				}
				if st.Chunks != nil {
					printStatus("Chunks", "%d", *st.Chunks)
				}
			}
		}

		printStatus("Vector store", "%s (%s)", cfg.Vector.Backend, cfg.Vector.Collection)
		printStatus("Embeddings", "%s", cfg.Embedding.Provider)
		printStatus("Generation", "%s", cfg.Generation.Provider)
		printStatus("Queue", "%s", cfg.Queue.Transport)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}
