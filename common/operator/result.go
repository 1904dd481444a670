package operator

// Result maps an error onto the "ok"/"err" metric label.
func Result(err error) string {
	if err != nil {
		return "err"
	}
	return "ok"
}
