// Package ui renders the chat in a line-oriented terminal: message bubbles,
// cited sources, the index status strip, the upload indicator and the
// conversation list.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"rag-chat/internal/chat"
	"rag-chat/internal/rag"
	"rag-chat/internal/store"
	"rag-chat/internal/terminal"
)

// Display writes the chat UI to a terminal or any other writer. Colors and
// the spinner are only used on a real terminal.
type Display struct {
	out      io.Writer
	width    int
	color    bool
	appName  string
	renderer *glamour.TermRenderer
	spinner  *terminal.Spinner

	mu sync.Mutex // guards out; shared with the spinner
}

var _ chat.Listener = (*Display)(nil)

// NewDisplay creates a display writing to out.
func NewDisplay(out io.Writer, appName string) *Display {
	width, tty := terminalWidth(out)

	style := "notty"
	if tty {
		style = "dark"
	}
	renderer, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(max(width-10, 40)),
	)

	d := &Display{
		out:      out,
		width:    width,
		color:    tty,
		appName:  appName,
		renderer: renderer,
	}
	if tty {
		d.spinner = terminal.NewSpinner(out, &d.mu)
	}
	return d
}

// Color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// ClearScreen clears the terminal
func (d *Display) ClearScreen() {
	if d.color {
		d.write("\033[2J\033[H")
	}
}

// PrintWelcome displays the banner with the backend the session talks to.
func (d *Display) PrintWelcome(environment, baseURL string) {
	title := fmt.Sprintf("%s - Document Assistant", d.appName)
	bar := strings.Repeat("═", len([]rune(title))+6)
	d.printf("%s%s╔%s╗%s\n", colorBold, colorCyan, bar, colorReset)
	d.printf("%s%s║   %s   ║%s\n", colorBold, colorCyan, title, colorReset)
	d.printf("%s%s╚%s╝%s\n", colorBold, colorCyan, bar, colorReset)
	d.printf("\n%sBackend:%s %s (%s)\n", colorGray, colorReset, baseURL, environment)
	d.printf("%sType a question, or /help for commands.%s\n\n", colorGray, colorReset)
}

// PrintOnboarding is shown when the active conversation is empty.
func (d *Display) PrintOnboarding() {
	d.printf("%s%sWelcome to %s%s\n", colorBold, colorBlue, d.appName, colorReset)
	d.printf("%sAsk about your documents, for example:%s\n", colorGray, colorReset)
	for _, q := range []string{
		"What properties are available?",
		"Summarize the pricing in the latest brochure",
		"Which listings have more than three bedrooms?",
	} {
		d.printf("%s  • %s%s\n", colorGray, q, colorReset)
	}
	d.printf("%sUpload documents with /upload <file> (.pdf .docx .xlsx .txt).%s\n", colorGray, colorReset)
}

// PrintHelp lists the composer commands.
func (d *Display) PrintHelp() {
	commands := [][2]string{
		{"/new", "start a new conversation"},
		{"/list", "show conversations"},
		{"/switch <n|id>", "open a conversation"},
		{"/delete <n|id>", "delete a conversation"},
		{"/rename <title>", "rename the active conversation"},
		{"/history", "show the active conversation"},
		{"/upload <file>...", "add documents to the index"},
		{"/fetch <url>...", "add web pages to the index"},
		{"/search <query>", "index the top web results for a query"},
		{"/status", "show index status"},
		{"/reset | /save | /load", "clear, persist or reload the backend index"},
		{"/clear", "clear the screen"},
		{"/exit", "quit"},
	}
	d.printf("\n%sCommands:%s\n", colorBold, colorReset)
	for _, c := range commands {
		d.printf("  %s%-24s%s %s\n", colorCyan, c[0], colorReset, c[1])
	}
}

// PrintPrompt displays the composer prompt.
func (d *Display) PrintPrompt() {
	d.printf("\n%s%s❯%s ", colorBold, colorGreen, colorReset)
}

// PrintMessage renders one message bubble. Assistant content is markdown.
func (d *Display) PrintMessage(msg store.Message) {
	var b strings.Builder

	who := "You"
	if msg.Role == store.RoleAssistant {
		who = "Assistant"
	}
	fmt.Fprintf(&b, "\n%s┌─ %s · %s%s\n", d.c(colorGray), who, msg.Timestamp.Local().Format("15:04:05"), d.c(colorReset))

	content := msg.Content
	if msg.Role == store.RoleAssistant {
		content = d.renderMarkdown(content)
	}
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		fmt.Fprintf(&b, "%s│%s %s\n", d.c(colorGray), d.c(colorReset), line)
	}

	if len(msg.Sources) > 0 {
		fmt.Fprintf(&b, "%s│%s\n", d.c(colorGray), d.c(colorReset))
		b.WriteString(d.formatSources(msg.Sources))
	}
	if msg.ProcessingTimeMs != nil {
		fmt.Fprintf(&b, "%s│ ⏱  %s%s\n", d.c(colorGray),
			formatDuration(time.Duration(*msg.ProcessingTimeMs*float64(time.Millisecond))), d.c(colorReset))
	}
	fmt.Fprintf(&b, "%s└%s\n", d.c(colorGray), d.c(colorReset))

	d.write(b.String())
}

// PrintTranscript renders every message of conv, or the onboarding panel
// when it has none.
func (d *Display) PrintTranscript(conv store.Conversation) {
	d.printf("\n%s%s%s\n", colorBold, conv.Title, colorReset)
	if len(conv.Messages) == 0 {
		d.PrintOnboarding()
		return
	}
	for _, msg := range conv.Messages {
		d.PrintMessage(msg)
	}
}

func (d *Display) formatSources(sources []store.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s│ 📚 Sources:%s\n", d.c(colorGray), d.c(colorReset))
	for _, src := range sources {
		fmt.Fprintf(&b, "%s│    • %s (chunk %d, %.0f%% match)%s\n",
			d.c(colorGray), src.Filename, src.ChunkIndex, src.SimilarityScore*100, d.c(colorReset))
		if excerpt := excerpt(src.Text, 100); excerpt != "" {
			fmt.Fprintf(&b, "%s│      %s%s\n", d.c(colorDim), excerpt, d.c(colorReset))
		}
	}
	return b.String()
}

// PrintStatus renders the status strip. A nil status renders nothing.
func (d *Display) PrintStatus(status *rag.StatusResponse) {
	if status == nil {
		return
	}
	parts := []string{
		fmt.Sprintf("● %s", status.Status),
		fmt.Sprintf("%d documents", status.TotalDocuments),
		fmt.Sprintf("%d chunks", status.TotalChunks),
	}
	if status.LLMModel != "" {
		parts = append(parts, status.LLMModel)
	}
	if status.VectorDBProvider != "" {
		parts = append(parts, status.VectorDBProvider)
	}
	d.printf("%s%s%s\n", colorGray, strings.Join(parts, " · "), colorReset)
}

// PrintUpload renders the upload indicator. Idle renders nothing.
func (d *Display) PrintUpload(u chat.UploadIndicator) {
	switch u.State {
	case chat.UploadInProgress:
		d.printf("%s⇪ Uploading %s...%s\n", colorCyan, u.Filename, colorReset)
	case chat.UploadSucceeded:
		d.printf("%s✓ %s: %s%s\n", colorGreen, u.Filename, u.Detail, colorReset)
	case chat.UploadFailed:
		d.printf("%s✗ %s: %s%s\n", colorRed, u.Filename, u.Detail, colorReset)
	}
}

// PrintConversations renders the sidebar list, newest first, marking the
// active conversation.
func (d *Display) PrintConversations(convs []store.Conversation, activeID string) {
	if len(convs) == 0 {
		d.printf("%sNo conversations yet.%s\n", colorGray, colorReset)
		return
	}
	d.printf("\n%sConversations:%s\n", colorBold, colorReset)
	for i, c := range convs {
		marker := " "
		color := colorGray
		if c.ID == activeID {
			marker = "▸"
			color = colorCyan
		}
		d.printf("%s%s %2d. %s%s %s(%d messages, %s)%s\n",
			color, marker, i+1, truncate(c.Title, 48), colorReset,
			colorDim, len(c.Messages), c.UpdatedAt.Local().Format("Jan 2 15:04"), colorReset)
	}
}

// PrintInfo displays info message
func (d *Display) PrintInfo(msg string) {
	d.printf("%sℹ %s%s\n", colorCyan, msg, colorReset)
}

// PrintWarning displays warning message
func (d *Display) PrintWarning(msg string) {
	d.printf("%s⚠ %s%s\n", colorYellow, msg, colorReset)
}

// PrintError displays error message
func (d *Display) PrintError(err error) {
	d.printf("%s✗ Error: %v%s\n", colorRed, err, colorReset)
}

// PrintSuccess displays success message
func (d *Display) PrintSuccess(msg string) {
	d.printf("%s✓ %s%s\n", colorGreen, msg, colorReset)
}

// PrintGoodbye displays goodbye message
func (d *Display) PrintGoodbye() {
	d.printf("\n%s%sThank you for using %s!%s\n", colorBold, colorCyan, d.appName, colorReset)
}

// MessageAppended prints each message as it lands in the transcript.
func (d *Display) MessageAppended(_ string, msg store.Message) {
	d.PrintMessage(msg)
}

// LoadingChanged drives the busy spinner.
func (d *Display) LoadingChanged(loading bool) {
	if d.spinner == nil {
		return
	}
	if loading {
		d.spinner.Start("Searching your documents...")
		return
	}
	d.spinner.Stop()
}

// StatusChanged prints the refreshed status strip.
func (d *Display) StatusChanged(status *rag.StatusResponse) {
	d.PrintStatus(status)
}

// UploadChanged prints indicator transitions.
func (d *Display) UploadChanged(u chat.UploadIndicator) {
	d.PrintUpload(u)
}

func (d *Display) renderMarkdown(content string) string {
	if d.renderer == nil {
		return content
	}
	rendered, err := d.renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.Trim(rendered, "\n")
}

// c returns code when colors are enabled.
func (d *Display) c(code string) string {
	if d.color {
		return code
	}
	return ""
}

// printf formats with color codes stripped when colors are off. Arguments
// that are color constants are replaced, not the format.
func (d *Display) printf(format string, args ...any) {
	for i, a := range args {
		if s, ok := a.(string); ok && isColor(s) {
			args[i] = d.c(s)
		}
	}
	d.write(fmt.Sprintf(format, args...))
}

// write clears the spinner line first. Spinner frames are drawn under the
// same mutex, so Stop runs before taking it.
func (d *Display) write(s string) {
	if d.spinner != nil {
		d.spinner.Stop()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	io.WriteString(d.out, s)
}

func isColor(s string) bool {
	switch s {
	case colorReset, colorBold, colorDim, colorRed, colorGreen, colorYellow, colorBlue, colorCyan, colorGray:
		return true
	}
	return false
}

// Helper functions

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func excerpt(text string, maxLen int) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" || text == "..." {
		return ""
	}
	return truncate(text, maxLen)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// terminalWidth reports the width of out and whether it is a terminal.
func terminalWidth(out io.Writer) (int, bool) {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 80, false
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 80, true
	}
	return width, true
}
