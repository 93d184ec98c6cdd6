package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/thesyncim/hwmedia"
)

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "List encoder devices and the codecs they offer",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			devices, err := hwmedia.ListEncoderDevices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				log.Warn().Msg("no V4L2 M2M encoder found")
				return nil
			}

			out := cmd.OutOrStdout()
			for _, d := range devices {
				codecs := make([]string, len(d.Codecs))
				for i, c := range d.Codecs {
					codecs[i] = c.String()
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n", d.Path, d.Driver, d.Card, d.BusInfo, strings.Join(codecs, ","))
			}
			return nil
		},
	}
}
