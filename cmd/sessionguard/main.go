package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "sessionguard",
	Short: "SessionGuard session lifecycle coordinator",
	Long:  `SessionGuard keeps one authority-issued session alive for the signed-in user and ends it everywhere it must.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the signed-in user and keep their session alive",
	Run: func(cmd *cobra.Command, args []string) {
		runGuard()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted session and credential state",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the current session and sign out locally",
	Run: func(cmd *cobra.Command, args []string) {
		logout()
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the session audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify the audit log hash chain",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		verifyAudit(args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("SessionGuard v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is sessionguard.yaml in the platform config dir)")

	auditCmd.AddCommand(auditVerifyCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
