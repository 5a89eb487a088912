// Package hcl provides the concrete HCL implementation of config.Loader. It
// parses a run file, decodes its blocks into schema structs, applies cty
// defaults for every attribute the user left out and translates the result
// into the format-agnostic config.Model.
package hcl
