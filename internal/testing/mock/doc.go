// Package mock provides test doubles shared by brokermcp's package tests.
//
// BrokerageServer is an httptest server that acts as both the brokerage
// authorization server (auto-approving authorize endpoint, token endpoint
// with S256 PKCE and refresh grants) and the brokerage REST API the tools
// call. Failures can be injected with SetErrors.
//
// MockClock is a settable Clock for driving token expiry without sleeping.
//
//	clock := mock.NewMockClock(time.Time{})
//	srv := mock.NewBrokerageServer(mock.BrokerageServerConfig{
//	    ClientID: "client",
//	    Clock:    clock,
//	})
//	defer srv.Close()
//
//	clock.Advance(31 * time.Minute) // issued tokens are now expired
package mock
