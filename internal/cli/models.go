package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/kiln/internal/daemon"
	"github.com/kilnlabs/kiln/internal/store"
)

func init() {
	rootCmd.AddCommand(modelsCmd)
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List configured models and their store status",
	RunE:  runModels,
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	st, err := store.New(cfg.Store.Dir, cfg.ModelConfigs())
	if err != nil {
		return err
	}
	defer st.Stop()

	records, err := st.DB().List()
	if err != nil {
		return err
	}
	validated := make(map[string]store.ModelRecord, len(records))
	for _, rec := range records {
		validated[rec.ID] = rec
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tENGINE\tTASK\tSIZE\tVALIDATED")
	for id, m := range cfg.ModelConfigs() {
		size, when := "-", "-"
		if rec, ok := validated[id]; ok {
			size = fmt.Sprintf("%.1f MB", float64(rec.SizeBytes)/(1024*1024))
			when = rec.ValidatedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, m.Engine, m.Task, size, when)
	}
	return w.Flush()
}
