//go:build tools

package tools

// mockery v3 is used as an installed binary (not via go run), so no
// import is needed. Run: mockery (from the module root) to generate a
// mock for pkg/credstore.Store.
