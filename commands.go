package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"rag-chat/internal/api"
	"rag-chat/internal/crawler"
	"rag-chat/internal/rag"
	"rag-chat/internal/searxng"
	"rag-chat/internal/store"
	"rag-chat/internal/terminal"
)

// handleCommand runs one slash command. It returns false when the session
// should end.
func (a *app) handleCommand(ctx context.Context, cmd terminal.Command) bool {
	switch cmd.Name {
	case "exit", "quit":
		return false
	case "help":
		a.display.PrintHelp()
	case "clear":
		a.display.ClearScreen()
		a.display.PrintWelcome(string(a.rt.Environment), a.rt.APIBaseURL)
	case "new":
		a.newConversation(cmd.Args)
	case "list":
		a.display.PrintConversations(a.store.Conversations(), a.store.ActiveConversationID())
	case "switch":
		a.switchConversation(cmd.Args)
	case "delete":
		a.deleteConversation(cmd.Args)
	case "rename":
		a.renameConversation(cmd.Args)
	case "history":
		if conv, ok := a.store.ActiveConversation(); ok {
			a.display.PrintTranscript(conv)
		} else {
			a.display.PrintOnboarding()
		}
	case "status":
		if status := a.surface.RefreshStatus(ctx); status == nil {
			a.display.PrintWarning("Index status is unavailable right now.")
		}
	case "upload":
		a.upload(ctx, cmd.Args)
	case "fetch":
		a.fetch(ctx, cmd.Args)
	case "search":
		a.searchWeb(ctx, cmd.Args)
	case "reset":
		if cmd.Args != "confirm" {
			a.display.PrintWarning("This removes every document from the index. Type /reset confirm to continue.")
			return true
		}
		a.maintenance(ctx, "reset", a.service.Reset)
	case "save":
		a.maintenance(ctx, "save", a.service.Save)
	case "load":
		a.maintenance(ctx, "load", a.service.Load)
	default:
		a.display.PrintWarning(fmt.Sprintf("Unknown command /%s. Type /help for the list.", cmd.Name))
	}
	return true
}

func (a *app) newConversation(title string) {
	conv := a.store.NewConversation(store.TruncateTitle(title))
	if err := a.store.CreateConversation(conv); err != nil {
		a.display.PrintError(err)
		return
	}
	a.display.PrintTranscript(conv)
}

func (a *app) switchConversation(arg string) {
	conv, ok := a.findConversation(arg)
	if !ok {
		return
	}
	a.store.SetActiveConversation(conv.ID)
	a.display.PrintTranscript(conv)
}

func (a *app) deleteConversation(arg string) {
	conv, ok := a.findConversation(arg)
	if !ok {
		return
	}
	a.store.DeleteConversation(conv.ID)
	a.display.PrintSuccess(fmt.Sprintf("Deleted %q", conv.Title))
}

func (a *app) renameConversation(title string) {
	if strings.TrimSpace(title) == "" {
		a.display.PrintWarning("Usage: /rename <title>")
		return
	}
	id := a.store.ActiveConversationID()
	if err := a.store.RenameConversation(id, title); err != nil {
		a.display.PrintWarning("No active conversation to rename.")
		return
	}
	conv, _ := a.store.Conversation(id)
	a.display.PrintSuccess(fmt.Sprintf("Renamed to %q", conv.Title))
}

// findConversation resolves a 1-based position in the list or an id prefix.
func (a *app) findConversation(arg string) (store.Conversation, bool) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		a.display.PrintWarning("Give a conversation number from /list or its id.")
		return store.Conversation{}, false
	}
	convs := a.store.Conversations()
	if n, err := strconv.Atoi(arg); err == nil {
		if n >= 1 && n <= len(convs) {
			return convs[n-1], true
		}
		a.display.PrintWarning(fmt.Sprintf("There is no conversation %d.", n))
		return store.Conversation{}, false
	}

	var found []store.Conversation
	for _, c := range convs {
		if strings.HasPrefix(c.ID, arg) {
			found = append(found, c)
		}
	}
	switch len(found) {
	case 1:
		return found[0], true
	case 0:
		a.display.PrintWarning(fmt.Sprintf("No conversation matches %q.", arg))
	default:
		a.display.PrintWarning(fmt.Sprintf("%q matches %d conversations; use more of the id.", arg, len(found)))
	}
	return store.Conversation{}, false
}

// upload sends each file in the background. Missing files get suggestions
// from the working directory instead.
func (a *app) upload(ctx context.Context, args string) {
	paths := terminal.Fields(args)
	if len(paths) == 0 {
		a.display.PrintWarning("Usage: /upload <file>... (" + strings.Join(a.cfg.SupportedFormats, " ") + ")")
		return
	}

	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			a.suggestFiles(path)
			continue
		}
		a.tasks.Add(1)
		go func(path string) {
			defer a.tasks.Done()
			// Outcome is shown on the upload indicator.
			a.surface.UploadFile(ctx, path)
		}(path)
	}
}

func (a *app) suggestFiles(path string) {
	a.display.PrintWarning(fmt.Sprintf("File not found: %s", path))
	wd, err := os.Getwd()
	if err != nil {
		return
	}
	partial := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	matches := terminal.FindMatchingFiles(wd, partial, a.cfg.SupportedFormats)
	if len(matches) == 0 {
		return
	}
	a.display.PrintInfo("Did you mean:")
	for i, m := range matches {
		if i == 10 {
			break
		}
		a.display.PrintInfo("  /upload " + m)
	}
}

// fetch crawls the pages and uploads each as a text document.
func (a *app) fetch(ctx context.Context, args string) {
	urls := terminal.Fields(args)
	if len(urls) == 0 {
		a.display.PrintWarning("Usage: /fetch <url>...")
		return
	}
	a.display.PrintInfo(fmt.Sprintf("Fetching %d page(s)...", len(urls)))

	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		a.ingestPages(ctx, urls)
	}()
}

// searchWeb finds pages for the query and indexes the top results the same
// way /fetch does.
func (a *app) searchWeb(ctx context.Context, query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		a.display.PrintWarning("Usage: /search <query>")
		return
	}
	if a.search == nil {
		a.display.PrintWarning("Web search is not configured. Set searchURL in the config file or pass -search-url.")
		return
	}
	a.display.PrintInfo(fmt.Sprintf("Searching the web for %q...", query))

	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		results, err := a.search.Search(ctx, query, a.cfg.SearchResults)
		if err != nil {
			a.log.Warn("web search failed", zap.String("query", query), zap.Error(err))
			a.display.PrintWarning(fmt.Sprintf("Web search failed: %v", err))
			return
		}
		if len(results) == 0 {
			a.display.PrintWarning("No web results found.")
			return
		}
		for _, r := range results {
			a.display.PrintInfo(fmt.Sprintf("  %s  %s", r.Title, r.URL))
		}
		a.ingestPages(ctx, searxng.URLs(results))
	}()
}

func (a *app) ingestPages(ctx context.Context, urls []string) {
	for _, result := range a.crawler.CrawlURLs(ctx, urls) {
		if result.Error != nil {
			a.display.PrintWarning(fmt.Sprintf("Could not fetch %s: %v", result.URL, result.Error))
			continue
		}
		name := crawler.DocumentName(result.URL)
		a.log.Info("uploading fetched page", zap.String("url", result.URL), zap.String("filename", name))
		a.surface.UploadContent(ctx, name, crawler.DocumentContent(result))
	}
}

func (a *app) maintenance(ctx context.Context, name string, call func(context.Context) (*rag.MaintenanceResponse, error)) {
	resp, err := call(ctx)
	if err != nil {
		a.log.Warn("maintenance call failed", zap.String("operation", name), zap.Error(err))
		a.display.PrintError(errors.New(api.ClassifyError(err).Message()))
		return
	}
	msg := resp.Message
	if msg == "" {
		msg = fmt.Sprintf("%s: %s", name, resp.Status)
	}
	a.display.PrintSuccess(msg)
	if name != "save" {
		a.surface.RefreshStatus(ctx)
	}
}
