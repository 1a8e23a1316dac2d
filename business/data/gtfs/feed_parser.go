package gtfs

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/spkg/bom"
)

// gtfsRowReader interface defines the method used to read one csv row from a
// gtfs file into the StaticFeed being assembled
type gtfsRowReader interface {
	addRow(parser *gtfsFileParser, feed *StaticFeed) error
}

// gtfsFileParser holds csv reading state for one file inside a gtfs feed.
// Errors encountered while extracting values are collected with the line
// number they happened on.
type gtfsFileParser struct {
	Filename       string
	line           int
	csvReader      *csv.Reader
	headers        []string
	currentRecords []string
	errors         []error
}

// makeGTFSFileParser creates a new gtfsFileParser from an io.Reader. A
// leading unicode BOM, present in feeds produced by some agencies, is
// stripped before the header row is read.
func makeGTFSFileParser(r io.Reader, filename string) (*gtfsFileParser, error) {
	csvReader := csv.NewReader(bom.NewReader(r))

	headers, err := csvReader.Read()
	if err != nil {
		return nil, fmt.Errorf("unable to load header in %s: %v", filename, err)
	}
	return &gtfsFileParser{
		Filename:       filename,
		line:           1,
		csvReader:      csvReader,
		headers:        headers,
		currentRecords: headers,
	}, nil
}

// getString retrieves a string value from the current row
// returns empty string if missing
func (p *gtfsFileParser) getString(name string, optional bool) string {
	result, err := findValue(name, p.currentRecords, p.headers, optional)
	if err != nil {
		p.errors = append(p.errors, err)
	}
	if result == nil {
		return ""
	}
	return *result
}

// getFloat64 retrieves a float64 value from the current row
// returns 0 if missing
func (p *gtfsFileParser) getFloat64(name string, optional bool) float64 {
	value, err := findValue(name, p.currentRecords, p.headers, optional)
	if err != nil {
		p.errors = append(p.errors, err)
	}
	if value == nil || len(*value) == 0 {
		return 0
	}
	result, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		p.errors = append(p.errors, csvError(name, err))
		return 0
	}
	return result
}

// getInt retrieves an int value from the current row
// returns 0 if missing
func (p *gtfsFileParser) getInt(name string, optional bool) int {
	value, err := findValue(name, p.currentRecords, p.headers, optional)
	if err != nil {
		p.errors = append(p.errors, err)
	}
	if value == nil || len(*value) == 0 {
		return 0
	}
	result, err := strconv.Atoi(*value)
	if err != nil {
		p.errors = append(p.errors, csvError(name, err))
		return 0
	}
	return result
}

// getError retrieves errors encountered while parsing the csv file
func (p *gtfsFileParser) getError() error {
	if len(p.errors) > 0 {
		return fmt.Errorf("in file %v, line %v: %v", p.Filename, p.line, p.errors)
	}
	return nil
}

// nextLine moves csvReader one line forward
func (p *gtfsFileParser) nextLine() error {
	var err error
	p.currentRecords, err = p.csvReader.Read()
	p.line += 1
	return err
}

// indexOf finds the index of the element matching name, -1 if not found
func indexOf(name string, elements []string) int {
	for i, value := range elements {
		if name == value {
			return i
		}
	}
	return -1
}

// findValue retrieves a string value from csv records
// returns nil if the column isn't present and optional is true
func findValue(name string, records []string, headers []string, optional bool) (*string, error) {
	index := indexOf(name, headers)
	if index < 0 {
		if optional {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to find header: %s", name)
	}
	if len(records) <= index {
		return nil, fmt.Errorf("records are too short to find header at %v named %s", index, name)
	}
	value := records[index]
	if len(value) == 0 && !optional {
		return nil, fmt.Errorf("missing required value in column %v", name)
	}
	return &value, nil
}

// csvError convenience method for formatting a column parse error
func csvError(name string, err error) error {
	return fmt.Errorf("unable to parse column %s, error: %v", name, err)
}

// stopRowReader implements gtfsRowReader for stops.txt
type stopRowReader struct{}

func (s *stopRowReader) addRow(parser *gtfsFileParser, feed *StaticFeed) error {
	stop := Stop{
		StopID:   parser.getString("stop_id", false),
		StopName: parser.getString("stop_name", true),
		Lat:      parser.getFloat64("stop_lat", false),
		Lon:      parser.getFloat64("stop_lon", false),
	}
	feed.Stops = append(feed.Stops, &stop)
	return parser.getError()
}

// routeRowReader implements gtfsRowReader for routes.txt
type routeRowReader struct{}

func (r *routeRowReader) addRow(parser *gtfsFileParser, feed *StaticFeed) error {
	route := Route{
		RouteID:   parser.getString("route_id", false),
		ShortName: parser.getString("route_short_name", true),
		LongName:  parser.getString("route_long_name", true),
		RouteType: parser.getInt("route_type", true),
	}
	feed.Routes = append(feed.Routes, &route)
	return parser.getError()
}

// tripRowReader implements gtfsRowReader for trips.txt
type tripRowReader struct{}

func (t *tripRowReader) addRow(parser *gtfsFileParser, feed *StaticFeed) error {
	trip := Trip{
		TripID:       parser.getString("trip_id", false),
		RouteID:      parser.getString("route_id", false),
		ServiceID:    parser.getString("service_id", false),
		TripHeadsign: parser.getString("trip_headsign", true),
		DirectionID:  parser.getInt("direction_id", true),
	}
	feed.Trips = append(feed.Trips, &trip)
	return parser.getError()
}

// stopTimeRowReader implements gtfsRowReader for stop_times.txt. Arrival and
// departure strings are kept verbatim, hours past 23 included.
type stopTimeRowReader struct{}

func (s *stopTimeRowReader) addRow(parser *gtfsFileParser, feed *StaticFeed) error {
	stopTime := StopTime{
		TripID:        parser.getString("trip_id", false),
		StopSequence:  parser.getInt("stop_sequence", false),
		StopID:        parser.getString("stop_id", false),
		ArrivalTime:   parser.getString("arrival_time", false),
		DepartureTime: parser.getString("departure_time", false),
	}
	feed.StopTimes = append(feed.StopTimes, &stopTime)
	return parser.getError()
}

// calendarRowReader implements gtfsRowReader for calendar.txt
type calendarRowReader struct{}

func (c *calendarRowReader) addRow(parser *gtfsFileParser, feed *StaticFeed) error {
	calendar := Calendar{
		ServiceID: parser.getString("service_id", false),
		Monday:    parser.getInt("monday", false),
		Tuesday:   parser.getInt("tuesday", false),
		Wednesday: parser.getInt("wednesday", false),
		Thursday:  parser.getInt("thursday", false),
		Friday:    parser.getInt("friday", false),
		Saturday:  parser.getInt("saturday", false),
		Sunday:    parser.getInt("sunday", false),
		StartDate: parser.getString("start_date", false),
		EndDate:   parser.getString("end_date", false),
	}
	feed.Calendars = append(feed.Calendars, &calendar)
	return parser.getError()
}

// loadGTFSRows iterates over all rows in gtfsFileParser and feeds them into
// rowReader. Reading halts on the first error
func loadGTFSRows(feed *StaticFeed, parser *gtfsFileParser, rowReader gtfsRowReader) error {
	for {
		err := parser.nextLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		err = rowReader.addRow(parser, feed)
		if err != nil {
			return err
		}
	}
}

// feedFiles holds the gtfs files this system loads
type feedFiles struct {
	stopFile     *zip.File
	routeFile    *zip.File
	tripFile     *zip.File
	stopTimeFile *zip.File
	calendarFile *zip.File
}

// newFeedFiles locates the gtfs files inside zipReader
// returns an error naming any missing required files
func newFeedFiles(zipReader *zip.Reader) (*feedFiles, error) {
	files := feedFiles{}
	for _, f := range zipReader.File {
		if f.FileInfo().IsDir() {
			//ignore folders
			continue
		}
		switch f.Name {
		case "stops.txt":
			files.stopFile = f
		case "routes.txt":
			files.routeFile = f
		case "trips.txt":
			files.tripFile = f
		case "stop_times.txt":
			files.stopTimeFile = f
		case "calendar.txt":
			files.calendarFile = f
		}
	}
	missingFileNames := make([]string, 0)
	if files.stopFile == nil {
		missingFileNames = append(missingFileNames, "stops.txt")
	}
	if files.routeFile == nil {
		missingFileNames = append(missingFileNames, "routes.txt")
	}
	if files.tripFile == nil {
		missingFileNames = append(missingFileNames, "trips.txt")
	}
	if files.stopTimeFile == nil {
		missingFileNames = append(missingFileNames, "stop_times.txt")
	}
	//ok to be missing calendar.txt, service dates are read off trips
	if len(missingFileNames) > 0 {
		return nil, fmt.Errorf("gtfs zip file is missing the following file(s): %v", missingFileNames)
	}
	return &files, nil
}

// ParseStaticFeedFile parses the gtfs zip file at path into a StaticFeed.
func ParseStaticFeedFile(path string) (*StaticFeed, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	feed, parseErr := parseStaticFeed(&r.Reader)
	closeErr := r.Close()
	if parseErr != nil {
		return nil, parseErr
	}
	if closeErr != nil {
		return nil, fmt.Errorf("unable to close zip file %s, error: %v", path, closeErr)
	}
	return feed, nil
}

// ParseStaticFeedBytes parses a gtfs zip held in memory into a StaticFeed.
func ParseStaticFeedBytes(b []byte) (*StaticFeed, error) {
	r, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, err
	}
	return parseStaticFeed(r)
}

func parseStaticFeed(zipReader *zip.Reader) (*StaticFeed, error) {
	files, err := newFeedFiles(zipReader)
	if err != nil {
		return nil, err
	}
	feed := StaticFeed{}
	loads := []struct {
		file      *zip.File
		rowReader gtfsRowReader
	}{
		{files.stopFile, &stopRowReader{}},
		{files.routeFile, &routeRowReader{}},
		{files.tripFile, &tripRowReader{}},
		{files.stopTimeFile, &stopTimeRowReader{}},
		{files.calendarFile, &calendarRowReader{}},
	}
	for _, load := range loads {
		if load.file == nil {
			continue
		}
		err = parseFeedFile(&feed, load.file, load.rowReader)
		if err != nil {
			return nil, err
		}
	}
	dropOrphanRows(&feed)
	return &feed, nil
}

// parseFeedFile uncompresses one file inside the feed zip and reads it with
// rowReader
func parseFeedFile(feed *StaticFeed, f *zip.File, rowReader gtfsRowReader) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	parser, err := makeGTFSFileParser(rc, f.Name)
	if err != nil {
		_ = rc.Close()
		return err
	}
	err = loadGTFSRows(feed, parser, rowReader)
	if err != nil {
		_ = rc.Close()
		return err
	}
	return rc.Close()
}

// dropOrphanRows removes trips referencing unknown routes and stop times
// referencing unknown trips or stops, recording how many rows were dropped.
func dropOrphanRows(feed *StaticFeed) {
	routeIDs := make(map[string]bool, len(feed.Routes))
	for _, route := range feed.Routes {
		routeIDs[route.RouteID] = true
	}
	keptTrips := make([]*Trip, 0, len(feed.Trips))
	tripIDs := make(map[string]bool, len(feed.Trips))
	for _, trip := range feed.Trips {
		if !routeIDs[trip.RouteID] {
			feed.SkippedTrips++
			continue
		}
		keptTrips = append(keptTrips, trip)
		tripIDs[trip.TripID] = true
	}
	feed.Trips = keptTrips

	stopIDs := make(map[string]bool, len(feed.Stops))
	for _, stop := range feed.Stops {
		stopIDs[stop.StopID] = true
	}
	keptStopTimes := make([]*StopTime, 0, len(feed.StopTimes))
	for _, stopTime := range feed.StopTimes {
		if !tripIDs[stopTime.TripID] || !stopIDs[stopTime.StopID] {
			feed.SkippedStopTimes++
			continue
		}
		keptStopTimes = append(keptStopTimes, stopTime)
	}
	feed.StopTimes = keptStopTimes
}
