package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"markerswitch/config"
	"markerswitch/marker"
	"markerswitch/obs"
	"markerswitch/pkg/v4l2"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// printDevices lists video nodes with the formats v4l2-ctl reports for them
func printDevices(ctx context.Context, w io.Writer) error {
	devices, err := v4l2.ListDevices(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, titleStyle.Render("Video devices"))
	if len(devices) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  none found"))
		return nil
	}

	if err := v4l2.CheckLoopback(); err != nil {
		fmt.Fprintln(w, dimStyle.Render("  "+err.Error()))
	}

	t := newTable("DEVICE", "NAME", "FORMAT", "SIZES")
	for _, d := range devices {
		formats, err := v4l2.Capabilities(ctx, d.Path)
		if err != nil || len(formats) == 0 {
			t.Row(d.Path, d.Name, "-", "-")
			continue
		}
		for _, f := range formats {
			t.Row(d.Path, d.Name, fmt.Sprintf("%s (%s)", v4l2.FFmpegInputFormat(f.PixelFormat), f.Description), sizeList(f.Sizes))
		}
	}
	fmt.Fprintln(w, t.Render())
	return nil
}

func sizeList(sizes []v4l2.FrameSize) string {
	if len(sizes) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(sizes))
	for _, s := range sizes {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, " ")
}

// printDictionaries lists the dictionary tags and the sink resolution presets
func printDictionaries(w io.Writer) {
	fmt.Fprintln(w, titleStyle.Render("Marker dictionaries"))
	t := newTable("DICTIONARY")
	for _, name := range marker.Dictionaries() {
		t.Row(name)
	}
	fmt.Fprintln(w, t.Render())

	fmt.Fprintln(w, titleStyle.Render("Sink resolutions"))
	fmt.Fprintln(w, "  "+strings.Join(config.ResolutionChoices, ", "))
}

// printScenes lists the host scenes, marking the current one
func printScenes(ctx context.Context, w io.Writer, cfg *config.Config) error {
	client, err := obs.Dial(ctx, obsConfig(cfg))
	if err != nil {
		return err
	}
	defer client.Close()

	names, err := client.SceneNames(ctx)
	if err != nil {
		return err
	}
	current, err := client.CurrentScene(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, titleStyle.Render("Host scenes"))
	t := newTable("SCENE", "CURRENT")
	for _, name := range names {
		mark := ""
		if name == current {
			mark = "*"
		}
		t.Row(name, mark)
	}
	fmt.Fprintln(w, t.Render())
	return nil
}
