package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coal/recaptchaedge/internal/jsonutil"
	"github.com/coal/recaptchaedge/internal/soz"
)

var (
	sozHost          string
	sozURI           string
	sozSiteKey       string
	sozProjectNumber uint64
	sozIP            string
)

var sozCmd = &cobra.Command{
	Use:   "soz",
	Short: "Encode or decode X-ReCaptcha-Soz payloads",
}

var sozEncodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Build a payload from request context",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := soz.New(sozHost, sozURI, sozSiteKey, sozProjectNumber, sozIP)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), m.Encode())
		return nil
	},
}

// sozView is the printable form of a decoded payload.
type sozView struct {
	Host           string `json:"host"`
	URI            string `json:"uri,omitempty"`
	SiteKey        string `json:"site_key"`
	ProjectNumber  uint64 `json:"project_number"`
	UserIP         string `json:"user_ip"`
	Timestamp      uint64 `json:"timestamp,omitzero"`
	ExemptDuration uint64 `json:"exempt_duration,omitzero"`
}

var sozDecodeCmd = &cobra.Command{
	Use:   "decode [payload]",
	Short: "Print the fields of a payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := soz.Decode(args[0])
		if err != nil {
			return err
		}
		view := sozView{
			Host:           m.Host,
			URI:            m.URI,
			SiteKey:        m.SiteKey,
			ProjectNumber:  m.ProjectNumber,
			Timestamp:      m.Timestamp,
			ExemptDuration: m.ExemptDuration,
		}
		if ip, ok := m.IP(); ok {
			view.UserIP = ip.String()
		} else {
			view.UserIP = fmt.Sprintf("%x", m.UserIP)
		}
		out, err := jsonutil.MarshalIndent(view, "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	sozEncodeCmd.Flags().StringVar(&sozHost, "host", "", "Request hostname")
	sozEncodeCmd.Flags().StringVar(&sozURI, "uri", "/", "Request URI")
	sozEncodeCmd.Flags().StringVar(&sozSiteKey, "site-key", "", "Challenge page site key")
	sozEncodeCmd.Flags().Uint64Var(&sozProjectNumber, "project-number", 0, "Google Cloud project number")
	sozEncodeCmd.Flags().StringVar(&sozIP, "ip", "", "Client IP address")
	sozEncodeCmd.MarkFlagRequired("host")
	sozEncodeCmd.MarkFlagRequired("ip")

	sozCmd.AddCommand(sozEncodeCmd)
	sozCmd.AddCommand(sozDecodeCmd)
}
