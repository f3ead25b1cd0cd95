// Command phenovae trains a convolutional variational autoencoder on a
// directory of cell images and writes a latent encoding for every image.
//
// Options come from flags, optionally layered over a YAML file given with
// --config. Flags set explicitly win over the file.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/config"
	"github.com/FlavioCFOliveira/PhenoVAE/phenovae"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		klog.Exitf("phenovae: %+v", err)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var configFile string

	cmd := &cobra.Command{
		Use:           "phenovae",
		Short:         "Train a VAE on cell images and encode them into a latent space",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				if err := config.LoadFile(configFile, &cfg, cmd.Flags()); err != nil {
					return err
				}
			}
			res, err := phenovae.Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			klog.Infof("Run %s finished after %d epochs", res.RunID, len(res.History.Epochs))
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags(), &cfg)
	cmd.Flags().StringVar(&configFile, "config", "", "YAML file with options; explicit flags override it")

	goFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goFlags)
	cmd.PersistentFlags().AddGoFlagSet(goFlags)

	cmd.AddCommand(newExportCmd())
	return cmd
}

func newExportCmd() *cobra.Command {
	var (
		checkpoint, out string
		f16             bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Convert a checkpoint into a GGUF file",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return phenovae.Export(checkpoint, out, f16)
		},
	}
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "checkpoint to export")
	cmd.Flags().StringVar(&out, "out", "model.gguf", "GGUF file to write")
	cmd.Flags().BoolVar(&f16, "f16", false, "store weights as float16")
	_ = cmd.MarkFlagRequired("checkpoint")
	return cmd
}
