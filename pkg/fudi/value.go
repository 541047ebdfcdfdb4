package fudi

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// stripper removes the characters Pure-Data would read as syntax
var stripper = strings.NewReplacer(
	",", " ", "=", " ",
	";", "", "(", "", ")", "", "[", "", "]", "",
	"{", "", "}", "", `"`, "", "'", "",
)

// FormatValue renders a Go value as FUDI atoms. Lists of more than one
// element become "list <n> <v1> <v2> ...", a single element list is sent
// as its element and an empty list or nil as "None".
func FormatValue(v interface{}) string {
	return stripper.Replace(formatValue(v))
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	case error:
		return val.Error()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		switch rv.Len() {
		case 0:
			return "None"
		case 1:
			return formatValue(rv.Index(0).Interface())
		}
		parts := make([]string, 0, rv.Len()+2)
		parts = append(parts, "list", strconv.Itoa(rv.Len()))
		for i := 0; i < rv.Len(); i++ {
			parts = append(parts, formatValue(rv.Index(i).Interface()))
		}
		return strings.Join(parts, " ")
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	}
	return fmt.Sprint(v)
}
