// Package config loads brokermcp configuration.
//
// Configuration is read from config.yaml in the configuration directory
// (a missing file means defaults) and then overlaid with BROKERMCP_*
// environment variables, so secrets never have to be written to disk:
//
//	BROKERMCP_OAUTH_CLIENT_ID
//	BROKERMCP_OAUTH_CLIENT_SECRET
//	BROKERMCP_OAUTH_SIGNING_SECRET
//	BROKERMCP_STORE_ENCRYPTION_KEY
//	BROKERMCP_STORE_REDIS_PASSWORD
//
// Every field has a matching variable named after its YAML path, for
// example server.base_url is BROKERMCP_SERVER_BASE_URL.
package config
