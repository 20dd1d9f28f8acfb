// Package ui holds the terminal styling used by CLI output.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// RenderAccent highlights informational markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass marks success output.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn marks warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail marks failures.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderDim de-emphasizes secondary detail.
func RenderDim(s string) string { return dimStyle.Render(s) }

// RenderHeader styles section headings.
func RenderHeader(s string) string { return headerStyle.Render(s) }
