//go:build !(windows && 386)

package native

func loadDLL(string) (Library, error) { return nil, ErrUnsupported }
