package sshui

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"pkt.systems/termwire/schema"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBold    = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiReverse = "\x1b[7m"
)

type rowKind int

const (
	rowProject rowKind = iota
	rowSession
	rowNewSession
)

type pickerRow struct {
	kind    rowKind
	project schema.Project
	session schema.Session
}

// picker is the session list shown between attachments. Rows are a flat
// walk of the directory: a header per project, its sessions, then a
// "new session" row. Only session and new-session rows are selectable.
type picker struct {
	rows     []pickerRow
	cursor   int
	offset   int
	snapshot schema.SyncSnapshot
	now      func() time.Time
}

func (p *picker) SetDirectory(projects []schema.Project) {
	var keep schema.SessionID
	if row, ok := p.Selected(); ok && row.kind == rowSession {
		keep = row.session.ID
	}
	p.rows = p.rows[:0]
	for _, project := range projects {
		p.rows = append(p.rows, pickerRow{kind: rowProject, project: project})
		for _, session := range project.Sessions {
			p.rows = append(p.rows, pickerRow{kind: rowSession, project: project, session: session})
		}
		p.rows = append(p.rows, pickerRow{kind: rowNewSession, project: project})
	}
	p.cursor = p.firstSelectable()
	if keep != "" {
		for i, row := range p.rows {
			if row.kind == rowSession && row.session.ID == keep {
				p.cursor = i
				break
			}
		}
	}
	p.offset = 0
}

func (p *picker) SetSnapshot(snapshot schema.SyncSnapshot) {
	p.snapshot = snapshot
}

func (p *picker) Selected() (pickerRow, bool) {
	if p.cursor < 0 || p.cursor >= len(p.rows) {
		return pickerRow{}, false
	}
	row := p.rows[p.cursor]
	if row.kind == rowProject {
		return pickerRow{}, false
	}
	return row, true
}

func (p *picker) MoveUp() {
	for i := p.cursor - 1; i >= 0; i-- {
		if p.rows[i].kind != rowProject {
			p.cursor = i
			return
		}
	}
}

func (p *picker) MoveDown() {
	for i := p.cursor + 1; i < len(p.rows); i++ {
		if p.rows[i].kind != rowProject {
			p.cursor = i
			return
		}
	}
}

func (p *picker) MovePage(delta int) {
	for ; delta > 0; delta-- {
		p.MoveDown()
	}
	for ; delta < 0; delta++ {
		p.MoveUp()
	}
}

func (p *picker) firstSelectable() int {
	for i, row := range p.rows {
		if row.kind != rowProject {
			return i
		}
	}
	return -1
}

// Render lays the picker out as full screen lines. The cursor row stays
// inside the visible window; header and footer are pinned.
func (p *picker) Render(width, height int, notice string) []string {
	if width <= 0 {
		width = 80
	}
	if height <= 0 {
		height = 24
	}
	body := height - 4
	if body < 1 {
		body = 1
	}
	if p.cursor >= 0 {
		if p.cursor < p.offset {
			p.offset = p.cursor
		}
		if p.cursor >= p.offset+body {
			p.offset = p.cursor - body + 1
		}
	}
	if p.offset < 0 {
		p.offset = 0
	}

	lines := make([]string, 0, height)
	lines = append(lines, ansiBold+"termwire"+ansiReset+ansiDim+"  select a session"+ansiReset)
	lines = append(lines, "")
	if len(p.rows) == 0 {
		lines = append(lines, ansiDim+"  no projects. press r to refresh."+ansiReset)
	}
	end := p.offset + body
	if end > len(p.rows) {
		end = len(p.rows)
	}
	for i := p.offset; i < end; i++ {
		lines = append(lines, p.renderRow(i, width))
	}
	for len(lines) < height-2 {
		lines = append(lines, "")
	}
	if notice != "" {
		lines = append(lines, ansiDim+truncateLine(notice, width)+ansiReset)
	} else {
		lines = append(lines, "")
	}
	lines = append(lines, ansiDim+"enter attach   n new   r refresh   j/k move   q quit"+ansiReset)
	if len(lines) > height {
		lines = lines[:height]
	}
	return lines
}

func (p *picker) renderRow(i, width int) string {
	row := p.rows[i]
	selected := i == p.cursor
	switch row.kind {
	case rowProject:
		name := row.project.Name
		if name == "" {
			name = row.project.Path
		}
		return ansiBold + truncateLine(name, width) + ansiReset
	case rowNewSession:
		line := "    + new session"
		if selected {
			return ansiReverse + truncateLine(line, width) + ansiReset
		}
		return ansiDim + truncateLine(line, width) + ansiReset
	}

	marker := " "
	if p.isActive(row.session.ID) {
		marker = "*"
	} else if p.isRecent(row.session.ID) {
		marker = "~"
	}
	label := string(row.session.ID)
	if row.session.Summary != "" {
		label += "  " + row.session.Summary
	}
	if !row.session.LastActivity.IsZero() {
		label += "  " + agoString(p.clockNow().Sub(row.session.LastActivity))
	}
	line := fmt.Sprintf("  %s %s", marker, label)
	if row.session.ID == p.snapshot.SelectedSessionID {
		line += "  (selected)"
	}
	line = truncateLine(line, width)
	if selected {
		return ansiReverse + line + ansiReset
	}
	return line
}

func (p *picker) isActive(id schema.SessionID) bool {
	for _, active := range p.snapshot.ActiveSessionIDs {
		if active == id {
			return true
		}
	}
	return false
}

func (p *picker) isRecent(id schema.SessionID) bool {
	for _, recent := range p.snapshot.RecentlyActive {
		if recent == id {
			return true
		}
	}
	return false
}

func (p *picker) clockNow() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func truncateLine(line string, width int) string {
	if width <= 0 || utf8.RuneCountInString(line) <= width {
		return line
	}
	runes := []rune(line)
	if width == 1 {
		return string(runes[:1])
	}
	return string(runes[:width-1]) + "…"
}

func agoString(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func joinFrame(lines []string) string {
	var b strings.Builder
	b.WriteString("\x1b[?25l")
	b.WriteString("\x1b[H\x1b[2J")
	for i, line := range lines {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(line)
	}
	return b.String()
}
