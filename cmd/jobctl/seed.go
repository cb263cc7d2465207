package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"jobflow/internal/job"
	"jobflow/internal/store"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML document accepted by "jobctl seed".
//
//	collection: services
//	instances:
//	  - id: nightly-report
//	    name: Nightly report
//	    className: WebhookService
//	    appClassName: HTTPApp
type seedFile struct {
	Collection string                `yaml:"collection"`
	Instances  []job.ServiceInstance `yaml:"instances"`
}

func newSeedCmd() *cobra.Command {
	var collection string

	cmd := &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Write service descriptors from a YAML file",
		Long: `Write the service-instance descriptors listed in a YAML file to the
service collection. The collection is taken from --collection, then the
file, then SERVICE_COLLECTION. Existing descriptors with the same id are
replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			seed, err := loadSeed(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if collection != "" {
				seed.Collection = collection
			}
			if seed.Collection == "" {
				seed.Collection = viper.GetString("service_collection")
			}
			if seed.Collection == "" {
				return errors.New("no service collection: pass --collection or set SERVICE_COLLECTION")
			}

			h, err := store.Open(cmd.Context(), viper.GetString("store_driver"))
			if err != nil {
				return err
			}
			defer h.Close()

			n, err := applySeed(cmd.Context(), h.Store, seed)
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d of %d descriptors into %s\n", n, len(seed.Instances), seed.Collection)
			return err
		},
	}

	cmd.Flags().StringVar(&collection, "collection", "", "service collection to write to")
	return cmd
}

// loadSeed decodes and validates a seed document.
func loadSeed(r io.Reader) (*seedFile, error) {
	var seed seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty seed file")
		}
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	seen := make(map[string]bool, len(seed.Instances))
	for i, si := range seed.Instances {
		switch {
		case si.ID == "":
			return nil, fmt.Errorf("instance %d: id is required", i)
		case si.ClassName == "":
			return nil, fmt.Errorf("instance %q: className is required", si.ID)
		case seen[si.ID]:
			return nil, fmt.Errorf("instance %q: duplicate id", si.ID)
		}
		seen[si.ID] = true
	}
	return &seed, nil
}

// applySeed writes every descriptor and returns how many were written before
// the first failure.
func applySeed(ctx context.Context, st job.Store, seed *seedFile) (int, error) {
	for i := range seed.Instances {
		if err := st.PutServiceInstance(ctx, seed.Collection, &seed.Instances[i]); err != nil {
			return i, fmt.Errorf("put %q: %w", seed.Instances[i].ID, err)
		}
	}
	return len(seed.Instances), nil
}
