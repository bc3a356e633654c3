// Package config loads the contractops server configuration from a YAML
// file. Every field has a default, so the server also starts with no config
// file at all.
//
// Config fields:
//   - ListenAddr                 host:port for the HTTP server (default ":8000")
//   - LogLevel                   debug | info | warn | error (default "info")
//   - Auth.JWTSecretEnv          environment variable holding the HMAC secret
//   - Auth.AllowAnonymous        admit connections without a token (default true)
//   - Collab.SendBuffer          per-connection outbound queue depth (default 16)
//   - Collab.MaxMessageBytes     inbound frame size limit (default 64 KiB)
//   - Presence.RedisURLEnv       environment variable holding the redis URL
//   - Presence.SnapshotInterval  how often live membership is persisted (default 30s)
//   - Notify.WebhookURL          delivery target for matched events
//   - Notify.Rules               which events produce webhook notifications
//
// Load(path) applies defaults before unmarshalling, then validates.
// Watch(ctx, path, onChange) reloads the file on change for hot rule updates.
package config
