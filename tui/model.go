package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg drives the callback countdown.
type tickMsg time.Time

// state represents the current phase of the login or call.
type state int

const (
	stateInit        state = iota
	stateRefreshing        // refreshing existing token
	stateAuthorizing       // URL shown, waiting for the browser redirect
	stateExchanging        // code received, exchanging for tokens
	stateCalling           // authenticated API call in flight
	stateSuccess           // all done
	stateError             // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the login TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	// Authorization info
	authURL    string
	browserErr error
	deadline   time.Time
	remaining  time.Duration

	// Call in flight
	callLabel string

	// Success / error display
	tokenPreview string
	tokenType    string
	expiresIn    time.Duration
	errMsg       string

	// progress log under the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleURLBox = lipgloss.NewStyle().
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 1)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		if m.state != stateAuthorizing {
			return m, nil
		}
		m.remaining = max(time.Until(m.deadline), 0)
		if m.remaining > 0 {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Login flow messages ──────────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgTokensFound:
		m.addStatus(statusOK, "Loaded saved credentials")
		return m, nil

	case MsgTokenValid:
		m.addStatus(statusOK, "Access token valid, no refresh needed")
		return m, nil

	case MsgTokenExpired:
		m.addStatus(statusWarn, "Access token expired or about to expire")
		m.state = stateRefreshing
		return m, nil

	case MsgTokensNotFound:
		m.addStatus(statusInfo, "No existing tokens, starting authorization")
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Contacting the token endpoint")
		return m, nil

	case MsgRefreshOK:
		m.addStatus(statusOK, "New access token issued")
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Could not refresh the access token: %v", msg.Err))
		return m, nil

	case MsgAuthorizationURLReady:
		m.authURL = msg.URL
		m.browserErr = msg.BrowserErr
		m.state = stateAuthorizing
		if msg.BrowserErr != nil {
			m.addStatus(statusWarn, "Could not open a browser, open the link manually")
		} else {
			m.addStatus(statusInfo, "Browser opened for authorization")
		}
		return m, nil

	case MsgWaitingForCallback:
		m.deadline = msg.Deadline
		m.remaining = time.Until(msg.Deadline)
		m.state = stateAuthorizing
		return m, tickAfterSecond()

	case MsgCallbackReceived:
		m.state = stateExchanging
		m.addStatus(statusOK, "Authorization code received")
		return m, nil

	case MsgAuthSuccess:
		m.addStatus(statusOK, "Smarther access granted")
		return m, nil

	case MsgTokenSaved:
		m.addStatus(statusOK, "Credentials written to "+msg.Path)
		return m, nil

	case MsgTokenSaveFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Credentials were not written to disk: %v", msg.Err))
		return m, nil

	case MsgCalling:
		m.state = stateCalling
		m.callLabel = msg.Method + " " + msg.Path
		return m, nil

	case MsgAPICallOK:
		m.addStatus(statusOK, "API call successful: "+m.callLabel)
		return m, nil

	case MsgAPICallFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Smarther API request failed: %v", msg.Err))
		return m, nil

	case MsgAccessTokenRejected:
		m.addStatus(statusWarn, "API returned 401, forcing a token refresh")
		return m, nil

	case MsgTokenRefreshedRetrying:
		m.addStatus(statusOK, "Repeating the request with the new token")
		return m, nil

	case MsgReAuthRequired:
		m.addStatus(statusWarn, "Refresh token rejected, re-authorizing...")
		return m, nil

	case MsgDone:
		m.tokenPreview = msg.Preview
		m.tokenType = msg.TokenType
		m.expiresIn = msg.ExpiresIn
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while refreshing, authorizing, exchanging and calling.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Smarther Authorization  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateAuthorizing:
		if m.browserErr != nil {
			b.WriteString(styleBold.Render("Open this link to authorize:"))
		} else {
			b.WriteString(styleBold.Render("Continue in your browser, or open:"))
		}
		b.WriteString("\n")
		b.WriteString(styleURLBox.Render(m.wrapURL()))
		b.WriteString("\n\n")

		b.WriteString(m.spinner.View())
		b.WriteString(" Waiting for authorization...  ")
		if m.remaining > 0 {
			b.WriteString(styleDim.Render(formatDuration(m.remaining) + " remaining"))
		}
		b.WriteString("\n")

	case stateExchanging:
		b.WriteString(m.spinner.View())
		b.WriteString(" Exchanging authorization code...\n")

	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Contacting the token endpoint...\n")

	case stateCalling:
		b.WriteString(m.spinner.View())
		b.WriteString(" Calling " + m.callLabel + "...\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// wrapURL breaks the authorization URL so the box fits the terminal.
func (m Model) wrapURL() string {
	width := m.width - 6
	if width < 20 || len(m.authURL) <= width {
		return m.authURL
	}
	var parts []string
	for rest := m.authURL; rest != ""; {
		n := min(width, len(rest))
		parts = append(parts, rest[:n])
		rest = rest[n:]
	}
	return strings.Join(parts, "\n")
}

// viewSuccess renders the token summary.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Smarther session ready"))
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("  Token:     "))
	b.WriteString(m.tokenPreview + "...\n")

	b.WriteString(styleBold.Render("  Type:      "))
	b.WriteString(m.tokenType + "\n")

	b.WriteString(styleBold.Render("  Valid for: "))
	b.WriteString(formatDuration(m.expiresIn) + "\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError renders the fatal error panel.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Could not obtain a Smarther token"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
