// Package parser holds the source-type registry and the text, date and URL
// hygiene helpers shared by the concrete parser variants in the
// subpackages.
package parser
