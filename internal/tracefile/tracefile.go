// Package tracefile writes time-series data files: a human-readable
// tab-delimited text file with a commented metadata header, optionally
// accompanied by a binary .npy file holding the same array.
package tracefile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// Parameter is one ordered key/value pair written to the metadata header.
// A slice of Parameters preserves write order, unlike a map.
type Parameter struct {
	Key   string
	Value string
}

// Write renders the parameter block and the data array to w. The header
// string labels the data columns. Data is stored samples-as-rows: line i
// holds sample i of every channel, tab-separated.
func Write(w io.Writer, parameters []Parameter, header string, data *mat.Dense) error {
	bw := bufio.NewWriter(w)
	for _, p := range parameters {
		if _, err := fmt.Fprintf(bw, "# %s: %s\n", p.Key, p.Value); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(bw, "# %s\n", header); err != nil {
		return err
	}

	nchan, nsamp := data.Dims()
	for j := 0; j < nsamp; j++ {
		for i := 0; i < nchan; i++ {
			if i > 0 {
				if err := bw.WriteByte('\t'); err != nil {
					return err
				}
			}
			if _, err := bw.WriteString(strconv.FormatFloat(data.At(i, j), 'g', -1, 64)); err != nil {
				return err
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes the text representation to filename.
func WriteFile(filename string, parameters []Parameter, header string, data *mat.Dense) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return Write(f, parameters, header, data)
}

// WriteNpy stores data as a binary .npy array (samples as rows, matching the
// text layout) so numeric consumers avoid reparsing the text file.
func WriteNpy(filename string, data *mat.Dense) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	var t mat.Dense
	t.CloneFrom(data.T())
	return npyio.Write(f, &t)
}
