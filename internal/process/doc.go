// Package process supervises long-running helper daemons.
//
// The node uses it to run the wireless supplicant that the wpa radio driver
// talks to, but nothing here is specific to that daemon.
//
// Features:
//   - Start/stop with graceful shutdown (SIGTERM, then SIGKILL)
//   - Restart on unexpected exit with exponential backoff
//   - Backoff reset once a run stays up for StableThreshold
//   - Non-recoverable exits (see RecoverableError) stop the restart loop
//   - Subprocess stdout/stderr forwarded to the logger
//   - Timers driven by an injectable clock
//
// Example usage:
//
//	mgr := process.NewManager(process.Config{
//	    Name:             "wpa_supplicant",
//	    Binary:           "/sbin/wpa_supplicant",
//	    Args:             []string{"-i", "wlan0", "-c", "/run/mqttnode/wpa.conf"},
//	    RestartOnFailure: true,
//	})
//
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
