// ABOUTME: Starter configuration written by `mimic init`.
// ABOUTME: Kept parseable so init never produces a file that fails to load.

package config

// Template is a commented starter config. Placeholders are filled with
// fmt.Sprintf: data directory (3 times) then the JWT secret.
const Template = `# mimic configuration

server:
  http_addr: "127.0.0.1:8090"

tailscale:
  enabled: false
  hostname: "mimic"

auth:
  # Leave empty to run the control API without authentication.
  jwt_secret: "%[4]s"

database:
  path: "%[1]s/mimic.db"

sessions:
  dir: "%[2]s/sessions"
  monitor_name: "monitor"

transport:
  request_timeout: "30s"
  # proxy: "socks5://127.0.0.1:1080"
  status_decoration: false

rooms:
  sources:
    - "#source:example.org"
  target: "#target:example.org"

forward:
  media_dir: "%[3]s/media"
  workers: 1

blacklist:
  identity_ids: []
  keywords: []
  names: []

replacements: {}

queue:
  backend: "memory"
  size: 256
  delay: "1s"

links:
  max_entries: 100000
  retention: "720h"

reload:
  watch: true
  debounce: "500ms"

logging:
  level: "info"
  format: "text"
  # file: "%[1]s/mimic.log"
`
