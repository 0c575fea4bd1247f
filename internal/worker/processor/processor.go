// Package processor holds the job computations and the lookup table that
// selects one by job type.
package processor

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"unicode"

	"github.com/cuongbtq/jobpipeline/internal/jobmsg"
	"github.com/cuongbtq/jobpipeline/internal/worker/domain"
)

// MaxFibonacciN bounds the Fibonacci input so a single job cannot run away
const MaxFibonacciN = 10000

// Func computes a result from a job payload
type Func func(payload string) (string, error)

var computations = map[string]Func{
	jobmsg.TypeReverseString:  ReverseString,
	jobmsg.TypeUppercaseText:  UppercaseText,
	jobmsg.TypeCapitaliseText: CapitaliseText,
	jobmsg.TypeFibonacci:      Fibonacci,
}

// Process runs the computation registered for jobType. Every failure is a
// *domain.ComputationError.
func Process(jobType, payload string) (string, error) {
	fn, ok := computations[jobType]
	if !ok {
		return "", domain.NewComputationError(jobType, domain.ErrInvalidJobType, "Invalid job type")
	}

	result, err := fn(payload)
	if err != nil {
		var compErr *domain.ComputationError
		if errors.As(err, &compErr) {
			compErr.JobType = jobType
			return "", compErr
		}
		return "", domain.NewComputationError(jobType, err, err.Error())
	}

	return result, nil
}

// ReverseString reverses payload by rune
func ReverseString(payload string) (string, error) {
	runes := []rune(payload)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes), nil
}

// UppercaseText upper-cases payload
func UppercaseText(payload string) (string, error) {
	return strings.ToUpper(payload), nil
}

// CapitaliseText lower-cases payload and upper-cases the first letter of each word
func CapitaliseText(payload string) (string, error) {
	var b strings.Builder
	b.Grow(len(payload))

	inWord := false
	for _, r := range strings.ToLower(payload) {
		if isWordRune(r) {
			if !inWord {
				r = unicode.ToUpper(r)
			}
			inWord = true
		} else {
			inWord = false
		}
		b.WriteRune(r)
	}

	return b.String(), nil
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Fibonacci returns F(n) for the decimal integer in payload, with F(1) = F(2) = 1
func Fibonacci(payload string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return "", domain.NewComputationError(jobmsg.TypeFibonacci, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err), "payload must be a number")
	}
	if n <= 0 {
		return "", domain.NewComputationError(jobmsg.TypeFibonacci, domain.ErrInvalidPayload, "payload must be greater than 0")
	}
	if n > MaxFibonacciN {
		return "", domain.NewComputationError(jobmsg.TypeFibonacci, domain.ErrInvalidPayload,
			fmt.Sprintf("payload must not be greater than %d", MaxFibonacciN))
	}

	a, b := big.NewInt(0), big.NewInt(1)
	for i := 1; i < n; i++ {
		a.Add(a, b)
		a, b = b, a
	}

	return b.String(), nil
}
