package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-mesh/internal/bridges/mesh"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/node"
)

// errNoDatabase is returned by "nodes" when persistence is switched off.
var errNoDatabase = errors.New("database is disabled; node progress is only held in memory by a running gateway")

// Table palette.
var (
	headerColor = lipgloss.Color("#7D56F4")
	readyColor  = lipgloss.Color("#43BF6D")
	activeColor = lipgloss.Color("#FFA500")
	mutedColor  = lipgloss.Color("#626262")

	headerStyle = lipgloss.NewStyle().Foreground(headerColor).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	readyStyle  = cellStyle.Foreground(readyColor)
	activeStyle = cellStyle.Foreground(activeColor)
	footerStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

// phaseColumn is the table column holding the configuration phase.
const phaseColumn = 2

func newNodesCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List persisted nodes and their configuration progress",
		Long: `Nodes reads the node store from the configured SQLite database and
prints every node with its configuration phase and per-model progress.

It works while the gateway is stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(getConfigPath(*configPath))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			nodes, err := loadNodes(cmd, cfg)
			if err != nil {
				return err
			}
			if asJSON {
				out := make([]mesh.NodeStatusMessage, 0, len(nodes))
				for _, n := range nodes {
					out = append(out, mesh.NewNodeStatusMessage(n))
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			return renderNodes(cmd.OutOrStdout(), nodes)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print node status messages as JSON")
	return cmd
}

// loadNodes opens the database read path and returns every stored node.
func loadNodes(cmd *cobra.Command, cfg *config.Config) ([]*node.Node, error) {
	if !cfg.Database.Enabled {
		return nil, errNoDatabase
	}

	db, err := openDatabase(cmd.Context(), cfg.Database)
	if err != nil {
		return nil, err
	}
	defer db.Close() //nolint:errcheck // Read-only use, nothing to flush

	nodes, err := node.NewSQLiteRepository(db.DB).List(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	return nodes, nil
}

// renderNodes prints a table of nodes followed by a ready summary.
func renderNodes(w io.Writer, nodes []*node.Node) error {
	if len(nodes) == 0 {
		_, err := fmt.Fprintln(w, footerStyle.Render("no nodes provisioned"))
		return err
	}

	ready := 0
	rows := make([][]string, 0, len(nodes))
	for _, n := range nodes {
		if n.IsReady() {
			ready++
		}
		rows = append(rows, nodeRow(n))
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		Headers("ADDRESS", "UUID", "PHASE", "MODELS", "BOUND", "PUBLISHED", "SUBSCRIBED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col != phaseColumn || row < 0 || row >= len(rows):
				return cellStyle
			case rows[row][phaseColumn] == node.PhaseReady.String():
				return readyStyle
			default:
				return activeStyle
			}
		})

	if _, err := fmt.Fprintln(w, t.Render()); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, footerStyle.Render(fmt.Sprintf("%d of %d nodes ready", ready, len(nodes))))
	return err
}

// nodeRow formats one node. Progress columns count models whose step is done.
func nodeRow(n *node.Node) []string {
	var bound, published, subscribed int
	for _, m := range n.Models {
		if m.Bound {
			bound++
		}
		if m.Published {
			published++
		}
		if m.Subscribed {
			subscribed++
		}
	}
	return []string{
		n.AddressString(),
		n.UUID.String(),
		n.Phase.String(),
		strconv.Itoa(len(n.Models)),
		strconv.Itoa(bound),
		strconv.Itoa(published),
		strconv.Itoa(subscribed),
	}
}
