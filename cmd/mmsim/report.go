package main

import (
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"simpleos/kernel/mm"
	"simpleos/kernel/mm/pmm"
	"simpleos/kernel/mm/slab"
)

var (
	// Color palette
	primaryColor = lipgloss.Color("#7D56F4")
	mutedColor   = lipgloss.Color("#666666")
	borderColor  = lipgloss.Color("#383838")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(22)

	tableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(primaryColor).
				Padding(0, 1)

	tableCellStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Align(lipgloss.Right)

	// printer groups digits in byte counts.
	printer = message.NewPrinter(language.English)
)

// styled returns s unless styling is disabled.
func styled(s lipgloss.Style) lipgloss.Style {
	if noColor {
		return lipgloss.NewStyle().
			Width(s.GetWidth()).
			Padding(s.GetPaddingTop(), s.GetPaddingRight(), s.GetPaddingBottom(), s.GetPaddingLeft()).
			Align(s.GetAlignHorizontal())
	}
	return s
}

func formatBytes(n uint64) string {
	return printer.Sprintf("%d bytes", n)
}

func formatKb(n uint64) string {
	return printer.Sprintf("%d KiB", n>>10)
}

func title(s string) string {
	return styled(titleStyle).Render(s)
}

func field(label, value string) string {
	return styled(labelStyle).Render(label) + value
}

// freeAreaTable renders the buddy allocator's per-order free lists.
func freeAreaTable(st pmm.Stats) string {
	rows := make([][]string, 0, pmm.MaxOrder)
	for order, blocks := range st.FreeBlocks {
		blockSize := uint64(mm.PageSize) << order
		rows = append(rows, []string{
			strconv.Itoa(order),
			formatKb(blockSize),
			printer.Sprintf("%d", blocks),
			formatKb(uint64(blocks) * blockSize),
		})
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styled(lipgloss.NewStyle().Foreground(borderColor))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return styled(tableHeaderStyle)
			}
			return styled(tableCellStyle)
		}).
		Headers("ORDER", "BLOCK", "FREE BLOCKS", "FREE").
		Rows(rows...).
		Render()
}

// cacheTable renders the state of a set of slab caches.
func cacheTable(stats []slab.Stats) string {
	rows := make([][]string, 0, len(stats))
	for _, st := range stats {
		rows = append(rows, []string{
			strconv.Itoa(int(st.ObjectSize)),
			strconv.Itoa(st.ObjectsPerSlab),
			strconv.Itoa(st.FullSlabs),
			strconv.Itoa(st.PartialSlabs),
			strconv.Itoa(st.FreeSlabs),
			printer.Sprintf("%d", st.ObjectsInUse),
		})
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styled(lipgloss.NewStyle().Foreground(borderColor))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return styled(tableHeaderStyle)
			}
			return styled(tableCellStyle)
		}).
		Headers("OBJECT", "PER SLAB", "FULL", "PARTIAL", "FREE", "IN USE").
		Rows(rows...).
		Render()
}
