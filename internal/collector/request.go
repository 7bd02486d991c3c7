package collector

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/paulmach/orb"
)

// DefaultRouteIDs is the route filter sent by the provider's own map page.
const DefaultRouteIDs = "2-1,13-1,1-1,14-1,19-0,20-0,15-1,16-1,3-1,4-1,344-0,343-0,17-1,5-1,18-1,233-0,232-0,6-0,5-0,19-1,8-1,9-1,20-1,348-0,347-0,11-1,10-1,202-0,201-0,84-0,83-0,1-0,2-0,395-0,394-0,6-1,7-1,129-0,128-0,17-0,18-0,214-0,215-0,12-1,24-0,23-0,12-0,11-0,4-0,3-0,62-0,63-0,9-0,10-0,61-0,60-0,308-0,309-0,26-0,25-0,296-0,297-0,242-0,243-0,16-0,15-0,13-0,14-0,65-0,64-0,346-0,69-0,68-0,27-0,28-0,72-0,73-0,53-0,52-0,279-0,278-0,37-0,36-0,235-0,234-0,228-0,229-0,127-0,126-0,299-0,298-0,301-0,300-0,78-0,77-0,124-0,125-0,82-0,81-0,80-0,79-0,303-0,302-0,30-0,31-0,222-0,223-0,207-0,206-0,224-0,225-0,209-0,208-0,351-0,350-0,425-0,424-0,353-0,352-0,241-0,240-0,286-0,287-0,226-0,227-0,210-0,211-0,216-0,217-0,218-0,219-0,419-0,420-0,43-0,42-0,396-0,397-0,422-0,421-0,408-0,423-0,355-0,354-0,237-0,236-0,221-0,220-0,327-0,326-0,48-0,49-0,313-0,312-0,45-0,44-0,305-0,304-0,345-0,426-0,46-0,47-0,291-0,290-0,33-0,32-0,213-0,212-0,316-0,315-0,203-0,38-0,230-0,231-0,323-0,324-0,123-0,391-0,390-0,393-0,392-0,359-0,358-0,363-0,362-0,365-0,364-0,369-0,368-0,367-0,366-0,389-0,388-0,370-0,371-0,373-0,372-0,374-0,375-0,376-0,377-0,402-0,403-0,417-0,418-0,378-0,379-0,380-0,381-0,406-0,407-0,382-0,383-0,386-0,387-0,405-0,404-0,357-0,356-0,66-0,67-0,334-0,333-0,415-0,416-0"

// WholeWorld is the bounding box the provider is queried with by default.
var WholeWorld = orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{180, 90}}

// Query describes the fixed part of a poll request.
type Query struct {
	RouteIDs string    // Provider route filter, e.g. "2-1,13-1".
	Bounds   orb.Bound // Requested area.
	City     string
	CurK     int
	Info     int
}

// Values builds the request parameters for a poll made at now. Every call
// returns a fresh set.
func (q Query) Values(now time.Time) url.Values {
	v := url.Values{}
	v.Set("rids", q.RouteIDs)
	v.Set("lat0", formatCoord(q.Bounds.Min.Lat()))
	v.Set("lng0", formatCoord(q.Bounds.Min.Lon()))
	v.Set("lat1", formatCoord(q.Bounds.Max.Lat()))
	v.Set("lng1", formatCoord(q.Bounds.Max.Lon()))
	v.Set("curk", strconv.Itoa(q.CurK))
	v.Set("city", q.City)
	v.Set("info", strconv.Itoa(q.Info))
	v.Set("_", strconv.FormatInt(now.UnixMilli(), 10))
	return v
}

// URL returns endpoint with the poll parameters for now.
func (q Query) URL(endpoint string, now time.Time) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	u.RawQuery = q.Values(now).Encode()
	return u.String(), nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
