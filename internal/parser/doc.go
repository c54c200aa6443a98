// Package parser turns Go source bytes into the symbols, imports and package
// name that the symbols and embeddings backends store per content digest.
//
// Backends hand the parser bytes they already read and verified against the
// digest, so ParseSource is the main entry point:
//
//	p := parser.New()
//	res, err := p.ParseSource("retry/backoff.go", content)
//	if err != nil {
//	    return err
//	}
//	for _, sym := range res.Symbols {
//	    log.Debug().Str("symbol", sym.Name).Str("kind", string(sym.Kind)).Msg("parsed")
//	}
//
// A file with syntax errors is not a failure. Each scanner error lands in
// res.Errors with its line and column, and the declarations go/parser could
// recover are still returned. Callers decide whether a result with errors is a
// PermanentItemError for the item being computed.
//
// Only top-level declarations become symbols: functions, methods with their
// receiver type, structs, interfaces, other type specs, and const and var
// specs. Each call uses its own token.FileSet, so one Parser is shared by all
// backend workers.
package parser
