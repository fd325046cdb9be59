// Package util provides small string helpers shared by the engine packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging token prefixes
//   - SplitNonEmpty: Splits delimiter-separated lists such as scope parameters
package util
