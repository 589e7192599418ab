package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"pgbackup/internal/catalog"
)

var (
	showBackupID string
	showFormat   string
)

var (
	showHeaderStyle = lipgloss.NewStyle().Bold(true)
	showCellStyle   = lipgloss.NewStyle().PaddingRight(2)
	showBadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// showCmd lists backups or prints one backup's details.
var showCmd = &cobra.Command{
	Use:   "show",
	Short: "List backups or show one backup in detail",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}

		if showBackupID != "" {
			id, err := parseBackupID(showBackupID)
			if err != nil {
				return err
			}
			b, err := cat.Read(id)
			if err != nil {
				return err
			}
			lock, err := cat.LockBackup(id, true)
			if err != nil {
				return err
			}
			defer lock.Unlock()
			return showOne(b)
		}

		list, err := cat.List(catalog.ListOptions{})
		if err != nil {
			return err
		}
		if showFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		}
		return showTable(list)
	},
}

func showTable(list []*catalog.Backup) error {
	cols := []string{"ID", "MODE", "STATUS", "TLI", "START LSN", "STOP LSN", "PARENT", "DATA", "WRITTEN"}
	var rows [][]string
	for _, b := range list {
		rows = append(rows, []string{
			string(b.ID), b.Mode.String(), b.Status.String(),
			fmt.Sprintf("%d", b.TLI), b.StartLSN.String(), b.StopLSN.String(),
			string(b.Parent), formatSize(b.DataBytes), formatSize(b.WriteBytes),
		})
	}

	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = len(c)
	}
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var sb strings.Builder
	for i, c := range cols {
		sb.WriteString(showHeaderStyle.Render(showCellStyle.Render(pad(c, widths[i]))))
	}
	sb.WriteString("\n")
	for _, row := range rows {
		for i, cell := range row {
			rendered := showCellStyle.Render(pad(cell, widths[i]))
			if i == 2 && cell != "OK" && cell != "DONE" && cell != "RUNNING" {
				rendered = showBadStyle.Render(rendered)
			}
			sb.WriteString(rendered)
		}
		sb.WriteString("\n")
	}
	fmt.Print(sb.String())
	return nil
}

func showOne(b *catalog.Backup) error {
	if showFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}
	fmt.Printf("Backup %s\n", b.ID)
	fmt.Printf("  mode:             %s\n", b.Mode)
	fmt.Printf("  status:           %s\n", b.Status)
	fmt.Printf("  timeline:         %d\n", b.TLI)
	fmt.Printf("  start lsn:        %s\n", b.StartLSN)
	fmt.Printf("  stop lsn:         %s\n", b.StopLSN)
	fmt.Printf("  start time:       %s\n", b.StartTime)
	if !b.EndTime.IsZero() {
		fmt.Printf("  end time:         %s\n", b.EndTime)
	}
	if b.Parent != catalog.NoID {
		fmt.Printf("  parent:           %s\n", b.Parent)
	}
	fmt.Printf("  data bytes:       %s\n", formatSize(b.DataBytes))
	fmt.Printf("  written bytes:    %s\n", formatSize(b.WriteBytes))
	fmt.Printf("  compression:      %s (level %d)\n", b.CompressAlg, b.CompressLevel)
	fmt.Printf("  block size:       %d\n", b.BlockSize)
	fmt.Printf("  wal segment size: %d\n", b.WalSegSize)
	fmt.Printf("  from replica:     %v\n", b.FromReplica)
	fmt.Printf("  stream wal:       %v\n", b.Stream)
	if !b.ExpireTime.IsZero() {
		fmt.Printf("  pinned until:     %s\n", b.ExpireTime)
	}
	if len(b.ExternalDirs) > 0 {
		fmt.Printf("  external dirs:    %s\n", strings.Join(b.ExternalDirs, ", "))
	}
	return nil
}

func pad(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func init() {
	showCmd.Flags().StringVarP(&showBackupID, "backup-id", "i", "", "backup to show in detail")
	showCmd.Flags().StringVar(&showFormat, "format", "table", "output format: table or json")
	rootCmd.AddCommand(showCmd)
}
